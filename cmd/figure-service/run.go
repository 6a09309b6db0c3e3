package main

import (
	"autofigure/internal/config"
	"autofigure/internal/eventbus"
	"autofigure/internal/job"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagText               string // value of --text flag
	flagTextFile           string // value of --text-file flag
	flagOptimizeIterations int    // value of --optimize-iterations flag
	flagReferenceImage     string // value of --reference-image flag
	flagJSON               bool   // value of --json flag
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one figure job in the foreground and print its events",
	RunE:  doRun,
}

func init() {
	runCmd.Flags().StringVar(&flagText, "text", "", "method description to illustrate")
	runCmd.Flags().StringVar(&flagTextFile, "text-file", "", "read the method description from a file ('-' for stdin)")
	runCmd.Flags().IntVar(&flagOptimizeIterations, "optimize-iterations", -1, "template optimization rounds (default: script default)")
	runCmd.Flags().StringVar(&flagReferenceImage, "reference-image", "", "style reference image, relative to the script working directory")
	runCmd.Flags().BoolVar(&flagJSON, "json", false, "print events as JSON lines")
	runCmd.MarkFlagsMutuallyExclusive("text", "text-file")
}

func doRun(cmd *cobra.Command, args []string) error {
	text, err := readText(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcCfg := config.LoadServiceConfig()
	supCfg := config.LoadSupervisorConfig()

	svc, err := job.NewService(job.Config{
		OutputsDir: svcCfg.OutputsDir,
		Script:     config.LoadScriptConfig(),
		Monitor:    job.MonitorConfigFrom(supCfg),
		Retention:  supCfg.JobRetention,
	}, job.NewRegistry(), nil, nil)
	if err != nil {
		return err
	}

	req := &job.Request{Text: text, ReferenceImage: flagReferenceImage}
	if flagOptimizeIterations >= 0 {
		req.OptimizeIterations = &flagOptimizeIterations
	}

	resp, err := svc.Create(ctx, req)
	if err != nil {
		return err
	}
	q, err := svc.Submitted(ctx, resp.ID)
	if err != nil {
		return err
	}
	slog.Info("Job started", "jobId", resp.ID)

	// An interrupt terminates the job; the queue still delivers the outcome.
	go func() {
		<-ctx.Done()
		if _, err := svc.Cancel(context.Background(), resp.ID); err != nil {
			slog.Warn("Failed to cancel job", "jobId", resp.ID, "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	for {
		e, err := q.Next(context.Background())
		if errors.Is(err, eventbus.ErrClosed) {
			break
		}
		if err != nil {
			return err
		}
		if err := printEvent(out, e); err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = svc.Shutdown(shutdownCtx)

	st, err := svc.Get(context.Background(), resp.ID)
	if err != nil {
		return err
	}
	if st.State != job.StateCompleted {
		return fmt.Errorf("job %s %s: %s", st.ID, st.State, st.Error)
	}
	return nil
}

func readText(stdin io.Reader) (string, error) {
	switch {
	case flagText != "":
		return flagText, nil
	case flagTextFile == "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	case flagTextFile != "":
		data, err := os.ReadFile(flagTextFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", flagTextFile, err)
		}
		return string(data), nil
	default:
		return "", errors.New("one of --text or --text-file is required")
	}
}

func printEvent(w io.Writer, e eventbus.Event) error {
	if flagJSON {
		return json.NewEncoder(w).Encode(e)
	}

	var err error
	switch e.Name {
	case eventbus.EventLog:
		_, err = fmt.Fprintf(w, "[%s] %s\n", e.Data["stream"], e.Data["line"])
	case eventbus.EventArtifact:
		_, err = fmt.Fprintf(w, "artifact %-14s %s\n", e.Data["kind"], e.Data["path"])
	case eventbus.EventStatus:
		if msg, ok := e.Data["error"]; ok {
			_, err = fmt.Fprintf(w, "status %s code=%v error=%q\n", e.Data["state"], e.Data["code"], msg)
		} else if code, ok := e.Data["code"]; ok {
			_, err = fmt.Fprintf(w, "status %s code=%v\n", e.Data["state"], code)
		} else {
			_, err = fmt.Fprintf(w, "status %s\n", e.Data["state"])
		}
	}
	return err
}
