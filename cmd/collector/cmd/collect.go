package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/do"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"athlete-tool/internal/api/catapult"
	"athlete-tool/internal/collector"
	"athlete-tool/internal/storage"
)

func newCollectCmd(injector *do.Injector) *cobra.Command {
	c := &cobra.Command{
		Use:   "collect",
		Short: "collect athlete session data from the Catapult API",
		RunE: func(c *cobra.Command, args []string) error {
			return newCollectCommand(c, injector).Execute()
		},
	}

	c.Flags().String("date", "", "single date to collect (YYYY-MM-DD)")
	c.Flags().String("start-date", "", "first date of a range (YYYY-MM-DD)")
	c.Flags().String("end-date", "", "last date of a range (YYYY-MM-DD)")
	c.Flags().String("output-dir", "data", "directory to write JSON files to")
	c.Flags().Bool("sensors", false, "also fetch per-athlete sensor payloads")
	c.Flags().String("stream", "gps", "sensor stream type to request with --sensors")
	c.Flags().Int("max-attempts", 3, "attempts per request before a date is marked failed")

	return c
}

type collectCommand struct {
	cmd      *cobra.Command
	injector *do.Injector
}

func newCollectCommand(cmd *cobra.Command, injector *do.Injector) *collectCommand {
	return &collectCommand{cmd: cmd, injector: injector}
}

func (c *collectCommand) Execute() error {
	dateStr, err := c.cmd.Flags().GetString("date")
	if err != nil {
		return err
	}

	startStr, err := c.cmd.Flags().GetString("start-date")
	if err != nil {
		return err
	}

	endStr, err := c.cmd.Flags().GetString("end-date")
	if err != nil {
		return err
	}

	outputDir, err := c.cmd.Flags().GetString("output-dir")
	if err != nil {
		return err
	}

	sensors, err := c.cmd.Flags().GetBool("sensors")
	if err != nil {
		return err
	}

	stream, err := c.cmd.Flags().GetString("stream")
	if err != nil {
		return err
	}

	maxAttempts, err := c.cmd.Flags().GetInt("max-attempts")
	if err != nil {
		return err
	}

	dates, err := resolveDates(dateStr, startStr, endStr)
	if err != nil {
		return err
	}

	client, err := do.Invoke[*catapult.Client](c.injector)
	if err != nil {
		return err
	}

	logger, err := do.Invoke[*zap.Logger](c.injector)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(outputDir)
	if err != nil {
		return err
	}

	retry := collector.DefaultRetryPolicy()
	if maxAttempts > 0 {
		retry.MaxAttempts = maxAttempts
	}

	coll := collector.New(client, store, logger, collector.Options{
		Sensors: sensors,
		Stream:  stream,
		Retry:   retry,
	})

	summary := coll.Run(c.cmd.Context(), dates)

	c.printSummary(summary, store.Dir())

	if err := summary.Err(); err != nil {
		return err
	}

	return c.cmd.Context().Err()
}

func resolveDates(dateStr string, startStr string, endStr string) ([]catapult.Date, error) {
	switch {
	case dateStr != "" && (startStr != "" || endStr != ""):
		return nil, errors.New("--date cannot be combined with --start-date or --end-date")
	case dateStr != "":
		day, err := catapult.NewDateFromString(dateStr)
		if err != nil {
			return nil, err
		}

		return []catapult.Date{day}, nil
	case startStr == "" && endStr == "":
		return nil, errors.New("specify --date, or both --start-date and --end-date")
	case startStr == "" || endStr == "":
		return nil, errors.New("--start-date and --end-date must be used together")
	}

	start, err := catapult.NewDateFromString(startStr)
	if err != nil {
		return nil, err
	}

	end, err := catapult.NewDateFromString(endStr)
	if err != nil {
		return nil, err
	}

	return collector.DateRange(start, end)
}

func (c *collectCommand) printSummary(summary *collector.Summary, dir string) {
	out := c.cmd.OutOrStdout()

	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out, "COLLECTION COMPLETE")
	fmt.Fprintf(out, "Processed: %d date(s)\n", summary.Requested)
	fmt.Fprintf(out, "Successful: %d\n", summary.Succeeded)
	fmt.Fprintf(out, "Failed: %d\n", len(summary.Failed))
	if len(summary.Failed) > 0 {
		fmt.Fprintln(out, "Failed dates:")
		for _, failure := range summary.Failed {
			fmt.Fprintf(out, "  %s: %v\n", failure.Date.Format(), failure.Err)
		}
	}
	fmt.Fprintf(out, "Files written: %d\n", summary.FilesWritten)
	fmt.Fprintf(out, "Elapsed: %s\n", summary.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Data saved to: %s\n", dir)
	fmt.Fprintln(out, strings.Repeat("=", 50))
}
