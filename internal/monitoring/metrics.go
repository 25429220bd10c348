package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport labels for PredictionsTotal.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
	TransportCLI  = "cli"
)

var (
	// PredictionsTotal counts completed segmentations by the surface that served them.
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lesionseg_predictions_total",
			Help: "Total number of point clouds segmented",
		},
		[]string{"transport"},
	)

	// PredictDuration measures one forward pass including decoding.
	PredictDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lesionseg_predict_duration_seconds",
			Help:    "Duration of a single segmentation in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// PredictedLesionPoints is the lesion point count of each prediction.
	PredictedLesionPoints = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lesionseg_predicted_lesion_points",
			Help:    "Number of points labelled lesion per prediction",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	TrainEpochLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lesionseg_train_epoch_loss",
		Help: "Mean training loss of the most recent epoch",
	})

	ValLesionIoU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lesionseg_val_lesion_iou",
		Help: "Validation lesion IoU of the most recent epoch",
	})
)

// ObservePrediction records one finished segmentation.
func ObservePrediction(transport string, seconds float64, lesionPoints int) {
	PredictionsTotal.WithLabelValues(transport).Inc()
	PredictDuration.Observe(seconds)
	PredictedLesionPoints.Observe(float64(lesionPoints))
}

// ObserveEpoch records the outcome of one training epoch.
func ObserveEpoch(trainLoss, valIoU float64) {
	TrainEpochLoss.Set(trainLoss)
	ValLesionIoU.Set(valIoU)
}
