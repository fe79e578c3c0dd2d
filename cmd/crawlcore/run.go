package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitriimaksimovdevelop/crawlcore/internal/request"
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/requestloader"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a crawl to completion",
		Long:  "Seeds the request queue from the config's urls/sitemap, then drives the autoscaled pool until every request is handled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}

			ctx := cmd.Context()
			if err := seedQueue(ctx, a, cfg); err != nil {
				return fmt.Errorf("seed queue: %w", err)
			}

			a.crawler.Start(ctx)
			defer a.crawler.Stop()

			started := time.Now()
			if err := a.pool.Run(ctx); err != nil {
				return fmt.Errorf("run pool: %w", err)
			}

			counts := a.queue.Counts()
			a.log.Info().
				Int("handled", counts.Handled).
				Int("pending", counts.Pending).
				Dur("elapsed", time.Since(started)).
				Msg("crawl finished")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML run config")
	return cmd
}

// seedQueue adds every URL named directly in the config, then drains any
// configured sitemap straight into the queue. Sitemap discovery happens
// once up front here rather than through a live Tandem pairing: a single
// run has no dynamically-registered loader to interleave with, so the
// simpler one-shot drain is the right fit.
func seedQueue(ctx context.Context, a *app, cfg *fileConfig) error {
	for _, rawURL := range cfg.Seed.URLs {
		req, err := request.New(rawURL, request.Options{})
		if err != nil {
			return fmt.Errorf("seed url %q: %w", rawURL, err)
		}
		if _, err := a.queue.AddRequest(ctx, req, false); err != nil {
			return fmt.Errorf("enqueue seed url %q: %w", rawURL, err)
		}
	}

	if cfg.Seed.Sitemap == "" {
		return nil
	}

	loader, err := requestloader.NewSitemap(ctx, cfg.Seed.Sitemap, http.DefaultClient, requestloader.SitemapConfig{})
	if err != nil {
		return fmt.Errorf("load sitemap %s: %w", cfg.Seed.Sitemap, err)
	}
	for {
		finished, err := loader.IsFinished(ctx)
		if err != nil {
			return fmt.Errorf("sitemap IsFinished: %w", err)
		}
		if finished {
			return nil
		}
		req, err := loader.FetchNextRequest(ctx)
		if err != nil {
			return fmt.Errorf("sitemap fetch: %w", err)
		}
		if req == nil {
			return nil
		}
		if _, err := a.queue.AddRequest(ctx, req, false); err != nil {
			return fmt.Errorf("enqueue sitemap url %q: %w", req.URL, err)
		}
		if err := loader.MarkRequestAsHandled(ctx, req); err != nil {
			return fmt.Errorf("sitemap mark handled: %w", err)
		}
	}
}
