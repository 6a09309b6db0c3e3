package job

import (
	"autofigure/internal/config"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// defaultSAMPrompts are always passed to the segmentation backend.
var defaultSAMPrompts = []string{"icon", "symbol", "shape", "object", "arrow", "text", "diagram", "circle", "box"}

// samKeywords are visual element names commonly found in method
// descriptions; any that occur in the input are added to the prompt.
var samKeywords = map[string]bool{
	"cell": true, "protein": true, "receptor": true, "molecule": true, "enzyme": true,
	"antibody": true, "membrane": true, "mitochondria": true, "nucleus": true, "ribosome": true,
	"vesicle": true, "chromosome": true, "dna": true, "rna": true, "gene": true,
	"bacteria": true, "virus": true, "macrophage": true, "neutrophil": true, "lymphocyte": true,
	"neuron": true, "synapse": true, "organ": true, "tissue": true, "blood": true,
	"tumor": true, "cancer": true,
	"structure": true, "complex": true, "pathway": true, "channel": true, "pump": true,
	"arrow": true, "circle": true, "rectangle": true, "triangle": true, "star": true,
	"line": true, "label": true, "node": true, "edge": true, "block": true, "flow": true,
}

var wordPattern = regexp.MustCompile(`[a-zA-Z]{3,}`)

// secretFlags are flags whose values never reach the run log.
var secretFlags = map[string]bool{
	"--api_key":     true,
	"--sam_api_key": true,
}

// samPrompt builds the comma-separated segmentation prompt for text.
func samPrompt(text string) string {
	prompts := slices.Clone(defaultSAMPrompts)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if samKeywords[w] {
			prompts = append(prompts, w)
		}
	}
	slices.Sort(prompts)
	return strings.Join(slices.Compact(prompts), ",")
}

// scriptArgs builds the full argument list, interpreter first.
// referenceImage must already be resolved to an absolute path.
func scriptArgs(sc config.ScriptConfig, req *Request, outputDir, referenceImage string) []string {
	args := []string{
		sc.Python,
		sc.Script,
		"--method_text", req.Text,
		"--output_dir", outputDir,
		"--provider", sc.Provider,
		"--api_key", sc.APIKey,
		"--sam_backend", sc.SAMBackend,
		"--sam_prompt", samPrompt(req.Text),
		"--placeholder_mode", sc.PlaceholderMode,
		"--merge_threshold", strconv.FormatFloat(sc.MergeThreshold, 'f', -1, 64),
	}
	if sc.SAMAPIKey != "" {
		args = append(args, "--sam_api_key", sc.SAMAPIKey)
	}
	if req.OptimizeIterations != nil {
		args = append(args, "--optimize_iterations", strconv.Itoa(*req.OptimizeIterations))
	}
	if referenceImage != "" {
		args = append(args, "--reference_image_path", referenceImage)
	}
	return args
}

// maskSecrets replaces the value following each secret flag with "***".
func maskSecrets(args []string) []string {
	masked := slices.Clone(args)
	for i := 0; i < len(masked)-1; i++ {
		if secretFlags[masked[i]] {
			masked[i+1] = "***"
			i++
		}
	}
	return masked
}

// metaHeader is written at the top of every run log.
func metaHeader(python string, args []string) [][2]string {
	return [][2]string{
		{"python", python},
		{"cmd", strings.Join(maskSecrets(args), " ")},
	}
}
