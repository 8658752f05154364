// Package commands implements the udplink CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatReport renders a probe report in the requested format.
func formatReport(rep report, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatReportJSON(rep)
	case formatTable:
		return formatReportTable(rep)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatReportTable(rep report) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Remote:\t%s\n", rep.Remote)
	fmt.Fprintf(w, "Sent:\t%d\n", rep.Sent)
	fmt.Fprintf(w, "Received:\t%d\n", rep.Received)
	fmt.Fprintf(w, "Lost:\t%d (%.1f%%)\n", rep.Lost, lossPercent(rep))
	fmt.Fprintf(w, "Duplicates:\t%d\n", rep.Duplicates)
	fmt.Fprintf(w, "Reordered:\t%d\n", rep.Reordered)

	if rep.Received > 0 {
		fmt.Fprintf(w, "RTT min/avg/max:\t%s / %s / %s\n", rep.RTTMin, rep.RTTAvg, rep.RTTMax)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatReportJSON(rep report) (string, error) {
	data, err := json.MarshalIndent(reportToView(rep), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// --- View types for clean JSON output ---

type reportView struct {
	Remote      string  `json:"remote"`
	Sent        int     `json:"sent"`
	Received    int     `json:"received"`
	Lost        int     `json:"lost"`
	LossPercent float64 `json:"loss_percent"`
	Duplicates  int     `json:"duplicates"`
	Reordered   int     `json:"reordered"`
	RTTMin      string  `json:"rtt_min,omitempty"`
	RTTAvg      string  `json:"rtt_avg,omitempty"`
	RTTMax      string  `json:"rtt_max,omitempty"`
}

func reportToView(rep report) reportView {
	v := reportView{
		Remote:      rep.Remote,
		Sent:        rep.Sent,
		Received:    rep.Received,
		Lost:        rep.Lost,
		LossPercent: lossPercent(rep),
		Duplicates:  rep.Duplicates,
		Reordered:   rep.Reordered,
	}

	if rep.Received > 0 {
		v.RTTMin = rep.RTTMin.String()
		v.RTTAvg = rep.RTTAvg.String()
		v.RTTMax = rep.RTTMax.String()
	}

	return v
}

func lossPercent(rep report) float64 {
	if rep.Sent == 0 {
		return 0
	}
	return 100 * float64(rep.Lost) / float64(rep.Sent)
}
