package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/louca1221/price-tracker/internal/model"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one scrape and send the report.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			res := a.runner.Run(cmd.Context())
			renderResult(os.Stdout, res)
			if code := exitCode(res); code != exitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

// exitCode maps a run to the process status: failures and undeliverable
// reports are non-zero so an outer scheduler flags them.
func exitCode(res model.RunResult) int {
	switch {
	case res.Status == model.RunSkipped:
		return exitOK
	case res.Status == model.RunFailure:
		return exitFailure
	case res.Delivery.Err != nil:
		return exitFailure
	default:
		return exitOK
	}
}

func renderResult(w io.Writer, res model.RunResult) {
	fmt.Fprintln(w, res.Summary())
	if res.Delivery.Err != nil {
		fmt.Fprintf(w, "delivery: %v\n", res.Delivery.Err)
	}
	if len(res.Delivery.Deliveries) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Recipient", "Delivered", "Error"})
	for _, d := range res.Delivery.Deliveries {
		ok := "yes"
		if !d.OK {
			ok = "no"
		}
		t.AppendRow(table.Row{d.Recipient, ok, d.Error})
	}
	t.Render()
}
