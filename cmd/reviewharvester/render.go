package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

const histogramBarWidth = 30

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderJob(out io.Writer, job scraper.Job, reused bool) {
	fmt.Fprintf(out, "Job %s\n", job.ID)
	t := newTable(out)
	t.AppendRows([]table.Row{
		{"Product", job.ProductID},
		{"Domain", job.Domain},
		{"Strategy", job.Strategy},
		{"State", job.State},
		{"Reused", reused},
		{"Pages fetched", job.Progress.PagesFetched},
		{"Records ingested", job.Progress.RecordsIngested},
		{"Records rejected", job.Progress.RecordsRejected},
		{"Fetch attempts", job.Progress.FetchAttempts},
	})
	if job.ErrorDetail != "" {
		t.AppendRow(table.Row{"Detail", job.ErrorDetail})
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		t.AppendRow(table.Row{"Duration", job.FinishedAt.Sub(*job.StartedAt).Round(time.Millisecond)})
	}
	t.Render()
}

func renderStats(out io.Writer, stats scraper.ReviewStats) {
	fmt.Fprintf(out, "\n%s (%s): %d reviews, %.2f average\n", stats.ProductID, stats.Domain, stats.ReviewCount, stats.AverageRating)
	t := newTable(out)
	t.AppendHeader(table.Row{"Stars", "Count", ""})
	for star := 5; star >= 1; star-- {
		n := stats.Histogram[star-1]
		t.AppendRow(table.Row{strings.Repeat("*", star), n, bar(n, stats.ReviewCount)})
	}
	t.Render()
}

func bar(n, total int64) string {
	if total <= 0 {
		return ""
	}
	return strings.Repeat("#", int(n*histogramBarWidth/total))
}
