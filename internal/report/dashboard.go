package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/runstore"
)

// Dashboard builds a page with the loss and IoU curves and the per-epoch
// wall time of one run.
func Dashboard(run runstore.Run, epochs []runstore.Epoch) *components.Page {
	xs := make([]string, len(epochs))
	loss := make([]opts.LineData, len(epochs))
	iou := make([]opts.LineData, len(epochs))
	dur := make([]opts.BarData, len(epochs))
	for i, e := range epochs {
		xs[i] = strconv.Itoa(e.Epoch)
		loss[i] = opts.LineData{Value: e.TrainLoss}
		sym := "emptyCircle"
		if e.Saved {
			sym = "pin"
		}
		iou[i] = opts.LineData{Value: e.ValLesionIoU, Symbol: sym}
		dur[i] = opts.BarData{Value: e.Duration.Seconds()}
	}

	subtitle := fmt.Sprintf("run=%s status=%s best epoch=%d IoU=%.4f", runLabel(run), run.Status, run.BestEpoch, run.BestValIoU)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lesion segmentation training", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Training curves", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(xs).
		AddSeries("train loss", loss).
		AddSeries("val lesion IoU", iou)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Epoch wall time (s)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(xs).AddSeries("duration", dur)

	page := components.NewPage()
	page.PageTitle = "Lesion segmentation training"
	page.AddCharts(line, bar)
	return page
}

func runLabel(run runstore.Run) string {
	if run.ID == "" {
		return "local"
	}
	if len(run.ID) > 8 {
		return run.ID[:8]
	}
	return run.ID
}

// RenderDashboard writes the dashboard HTML to w.
func RenderDashboard(w io.Writer, run runstore.Run, epochs []runstore.Epoch) error {
	return Dashboard(run, epochs).Render(w)
}

// WriteDashboardHTML renders the dashboard to path.
func WriteDashboardHTML(fsys fsutil.FileSystem, path string, run runstore.Run, epochs []runstore.Epoch) error {
	if len(epochs) == 0 {
		return ErrNoEpochs
	}
	var buf bytes.Buffer
	if err := RenderDashboard(&buf, run, epochs); err != nil {
		return fmt.Errorf("rendering dashboard: %w", err)
	}
	return fsutil.WriteArtifact(fsys, path, buf.Bytes())
}

// LocalRun describes a run that was not tracked in a store.
func LocalRun(epochs []runstore.Epoch) runstore.Run {
	r := runstore.Run{Status: runstore.StatusCompleted, StartedAt: time.Now()}
	for _, e := range epochs {
		if e.Saved {
			r.BestEpoch, r.BestValIoU = e.Epoch, e.ValLesionIoU
		}
	}
	return r
}
