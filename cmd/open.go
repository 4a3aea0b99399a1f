// cmd/open.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/foxhound-cli/internal/launcher"
	"github.com/xkilldash9x/foxhound-cli/internal/observability"
	"github.com/xkilldash9x/foxhound-cli/internal/page"
)

// newOpenCmd creates the `open` command: launch the browser, open the URL in
// a fresh page, and optionally capture a screenshot.
func newOpenCmd() *cobra.Command {
	var (
		screenshotPath string
		incognito      bool
	)

	openCmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Opens a URL in a new page and optionally captures a screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			url := args[0]

			session, err := launcher.New(cfg, logger).Launch(ctx)
			if err != nil {
				return fmt.Errorf("failed to launch browser: %w", err)
			}
			defer func() {
				if err := session.Close(ctx); err != nil {
					logger.Warn("Browser shutdown reported an error.", zap.Error(err))
				}
			}()

			browserCtx := session.Browser.DefaultBrowserContext()
			if incognito {
				bc, err := session.Browser.CreateIncognitoBrowserContext(ctx)
				if err != nil {
					return fmt.Errorf("failed to create incognito context: %w", err)
				}
				browserCtx = bc
			}

			handle, err := browserCtx.NewPage(ctx)
			if err != nil {
				return fmt.Errorf("failed to open page: %w", err)
			}
			pg, ok := handle.(*page.Page)
			if !ok {
				return fmt.Errorf("page factory returned an unexpected handle type %T", handle)
			}

			if err := pg.Navigate(ctx, url); err != nil {
				return err
			}
			logger.Info("Page opened.", zap.String("url", url), zap.String("target_id", pg.Target().ID()))

			if screenshotPath != "" {
				data, err := pg.Screenshot(ctx)
				if err != nil {
					return err
				}
				if err := os.WriteFile(screenshotPath, data, 0o644); err != nil {
					return fmt.Errorf("failed to write screenshot: %w", err)
				}
				logger.Info("Screenshot written.", zap.String("path", screenshotPath), zap.Int("bytes", len(data)))
			}

			return nil
		},
	}

	openCmd.Flags().StringVarP(&screenshotPath, "screenshot", "s", "", "write a PNG screenshot of the page to this file")
	openCmd.Flags().BoolVar(&incognito, "incognito", false, "open the page in a fresh incognito context")

	return openCmd
}
