// Package report renders training curves as a PNG and as an interactive
// HTML dashboard.
package report

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lesionseg/internal/fsutil"
	"github.com/banshee-data/lesionseg/internal/runstore"
)

// ErrNoEpochs is returned when there is nothing to draw.
var ErrNoEpochs = errors.New("no epochs to plot")

var (
	lossColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	iouColor  = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	bestColor = color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}
)

// CurvesPlot draws train loss and validation lesion IoU against epoch,
// marking the epochs whose checkpoint was kept.
func CurvesPlot(epochs []runstore.Epoch) (*plot.Plot, error) {
	if len(epochs) == 0 {
		return nil, ErrNoEpochs
	}
	p := plot.New()
	p.Title.Text = "Training curves"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss / IoU"

	loss := make(plotter.XYs, len(epochs))
	iou := make(plotter.XYs, len(epochs))
	var saved plotter.XYs
	for i, e := range epochs {
		loss[i] = plotter.XY{X: float64(e.Epoch), Y: e.TrainLoss}
		iou[i] = plotter.XY{X: float64(e.Epoch), Y: e.ValLesionIoU}
		if e.Saved {
			saved = append(saved, iou[i])
		}
	}

	lossLine, err := plotter.NewLine(loss)
	if err != nil {
		return nil, err
	}
	lossLine.Color = lossColor
	lossLine.Width = vg.Points(1.5)
	p.Add(lossLine)
	p.Legend.Add("train loss", lossLine)

	iouLine, err := plotter.NewLine(iou)
	if err != nil {
		return nil, err
	}
	iouLine.Color = iouColor
	iouLine.Width = vg.Points(1.5)
	p.Add(iouLine)
	p.Legend.Add("val lesion IoU", iouLine)

	if len(saved) > 0 {
		marks, err := plotter.NewScatter(saved)
		if err != nil {
			return nil, err
		}
		marks.Color = bestColor
		marks.Radius = vg.Points(3)
		p.Add(marks)
		p.Legend.Add("saved best", marks)
	}

	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WriteCurvesPNG renders CurvesPlot to path.
func WriteCurvesPNG(fsys fsutil.FileSystem, path string, epochs []runstore.Epoch) error {
	p, err := CurvesPlot(epochs)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("rendering curves: %w", err)
	}
	return fsutil.WriteArtifactFrom(fsys, path, wt)
}
