package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/seralin/docflow/internal/apiclient"
	"github.com/seralin/docflow/internal/config"
	"github.com/seralin/docflow/internal/docview"
	"github.com/seralin/docflow/internal/reconciler"
	"github.com/seralin/docflow/internal/uploader"
)

var apiURL string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "docflow: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docflow",
		Short: "Upload documents and watch them become searchable",
		Long: `docflow drives files through the upload pipeline: it requests signed upload
URLs, transfers the bytes with live progress, confirms completion, and then
polls processing status until every document is searchable.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Backend base URL (defaults to DOCFLOW_API_URL)")
	cmd.AddCommand(
		newUploadCmd(),
		newListCmd(),
		newWatchCmd(),
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIBaseURL = apiURL
	}
	return cfg, nil
}

func newClient(cfg *config.Config) *apiclient.Client {
	opts := []apiclient.Option{}
	if cfg.APIToken != "" {
		opts = append(opts, apiclient.WithAuthToken(cfg.APIToken))
	}
	return apiclient.New(cfg.APIBaseURL, opts...)
}

// toastNotifier prints transition notifications to the terminal.
type toastNotifier struct{}

func (toastNotifier) Success(msg string) { fmt.Printf("\n✓ %s\n", msg) }
func (toastNotifier) Error(msg string)   { fmt.Printf("\n✗ %s\n", msg) }

func newUploadCmd() *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files and track them until they are searchable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newClient(cfg)

			files := make([]uploader.File, 0, len(args))
			for _, path := range args {
				f, err := uploader.FileFromPath(path)
				if err != nil {
					return err
				}
				files = append(files, f)
			}

			bar := progressbar.NewOptions(100,
				progressbar.OptionSetDescription("uploading"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			executor := uploader.NewExecutor(client, cfg.CompleteRetries, cfg.RetryBackoff)
			orch := uploader.NewOrchestrator(executor, uploader.Options{
				MaxConcurrentUploads: cfg.MaxConcurrentUploads,
				Validator: uploader.Validator{
					AllowedTypes: cfg.AllowedTypes,
					MaxFileSize:  cfg.MaxFileSize,
				},
				Notifier: toastNotifier{},
				OnChange: func(snap uploader.Snapshot) {
					_ = bar.Set(snap.Progress.OverallProgress)
				},
			})

			store := docview.NewStore(cfg.OptimisticTTL)
			recon := reconciler.New(client, store, toastNotifier{}, cfg.PollInterval)

			admitted, rejected := orch.AddFiles(files)
			for _, rej := range rejected {
				fmt.Fprintf(os.Stderr, "rejected %s: %s\n", rej.File.Name, rej.Reason)
			}
			if len(admitted) == 0 {
				return fmt.Errorf("no files admitted")
			}
			for _, item := range admitted {
				store.AddOptimistic(item.FileName, item.FileSize, item.File.ContentType)
			}
			recon.EnsurePolling(ctx)

			// Wait for the queue to resolve.
			for {
				snap := orch.Snapshot()
				if snap.GlobalStatus != uploader.GlobalUploading {
					break
				}
				select {
				case <-ctx.Done():
					orch.ClearQueue()
					return ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
			}
			_ = bar.Finish()
			printQueueSummary(orch.Snapshot())

			if noWait {
				return nil
			}
			// Keep polling until processing settles.
			recon.EnsurePolling(ctx)
			for recon.IsPolling() {
				select {
				case <-ctx.Done():
					recon.Stop()
					return ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Exit after the upload finishes without waiting for processing")
	return cmd
}

func printQueueSummary(snap uploader.Snapshot) {
	for _, item := range snap.Items {
		switch item.Status {
		case uploader.StatusCompleted:
			fmt.Printf("uploaded %s in %s (document %s)\n", item.FileName, item.Duration().Round(time.Millisecond), item.DocumentID)
		case uploader.StatusError:
			fmt.Printf("failed %s: %s\n", item.FileName, item.Error)
		case uploader.StatusCancelled:
			fmt.Printf("cancelled %s\n", item.FileName)
		}
	}
	fmt.Printf("%d uploaded, %d failed of %d file(s)\n",
		snap.Progress.CompletedFiles, snap.Progress.FailedFiles, snap.Progress.TotalFiles)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents and their processing status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			docs, err := newClient(cfg).ListDocuments(cmd.Context())
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Println("no documents")
				return nil
			}
			for _, doc := range docs {
				line := fmt.Sprintf("%-36s  %-10s  %s", doc.ID, doc.Status, doc.OriginalFilename)
				if job := doc.ProcessingJob; job != nil && job.Status.Active() {
					line += fmt.Sprintf("  [%s %s]", job.Status, job.ProcessingStage)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll processing status until all documents settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newClient(cfg)
			store := docview.NewStore(cfg.OptimisticTTL)
			docs, err := client.ListDocuments(ctx)
			if err != nil {
				return err
			}
			store.SetServerDocuments(docs)
			if !store.HasNonTerminal() {
				fmt.Println("nothing to watch, all documents settled")
				return nil
			}
			recon := reconciler.New(client, store, toastNotifier{}, cfg.PollInterval)
			recon.EnsurePolling(ctx)
			for recon.IsPolling() {
				select {
				case <-ctx.Done():
					recon.Stop()
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
			fmt.Printf("settled at %s\n", store.LastUpdate().Format(time.RFC3339))
			return nil
		},
	}
}
