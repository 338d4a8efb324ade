package liveness

import (
	"context"
	"errors"
	"image"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/metrics"
	"github.com/MrCodeEU/FaceGate/pkg/models"
	"github.com/MrCodeEU/FaceGate/pkg/utils"
)

// ErrNoLandmarks is returned when a frame yields no usable face mesh
var ErrNoLandmarks = errors.New("no face landmarks")

// Mode names the method a decision was reached with
type Mode string

const (
	ModeLandmark  Mode = "landmark"
	ModePixelDiff Mode = "pixel-diff-fallback"
)

// Face mesh indices
const (
	meshNose       = 1
	meshCheekLeft  = 234
	meshCheekRight = 454
	meshEyeUpper   = 159
	meshEyeLower   = 145
	meshLipUpper   = 13
	meshLipLower   = 14
	meshSize       = 468
)

// LandmarkSource returns the face mesh of the main face in an encoded image,
// or nil when there is none. Errors wrapping models.ErrUnavailable switch the
// verifier to pixel differencing.
type LandmarkSource interface {
	Landmarks(ctx context.Context, img []byte) ([]models.Landmark, error)
}

// Decision is the outcome of a liveness check
type Decision struct {
	Kind       Kind    `json:"kind"`
	Passed     bool    `json:"passed"`
	Mode       Mode    `json:"mode"`
	YawDelta   float64 `json:"yaw_delta,omitempty"`
	EyeDelta   float64 `json:"eye_delta,omitempty"`
	MouthDelta float64 `json:"mouth_delta,omitempty"`
	PixelDiff  float64 `json:"pixel_diff,omitempty"`
}

// Pose holds the per-frame measurements
type Pose struct {
	Yaw   float64
	Eye   float64
	Mouth float64
}

// Verifier compares a pre-challenge frame with a post-challenge frame
type Verifier struct {
	source  LandmarkSource
	cfg     config.LivenessConfig
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewVerifier creates a verifier. source may be nil, in which case every
// check runs in pixel-diff mode.
func NewVerifier(source LandmarkSource, cfg config.LivenessConfig, m *metrics.Metrics, logger *logrus.Logger) *Verifier {
	return &Verifier{
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Verify decides whether the change from frameA to frameB performs kind
func (v *Verifier) Verify(ctx context.Context, frameA, frameB []byte, kind Kind) Decision {
	d := v.verify(ctx, frameA, frameB, kind)
	v.metrics.ObserveLiveness(string(d.Mode), d.Passed)
	v.logger.WithFields(logrus.Fields{
		"kind":   d.Kind,
		"mode":   d.Mode,
		"passed": d.Passed,
	}).Debug("Liveness check")
	return d
}

func (v *Verifier) verify(ctx context.Context, frameA, frameB []byte, kind Kind) Decision {
	d := Decision{Kind: kind, Mode: ModeLandmark}
	if !kind.Valid() {
		return d
	}

	imgA, _, err := utils.DecodeImage(frameA)
	if err != nil {
		v.logger.Debugf("Liveness frame A undecodable: %v", err)
		return d
	}
	imgB, _, err := utils.DecodeImage(frameB)
	if err != nil {
		v.logger.Debugf("Liveness frame B undecodable: %v", err)
		return d
	}

	if v.source == nil {
		return v.pixelDiff(imgA, imgB, kind)
	}

	poseA, err := v.pose(ctx, frameA)
	if errors.Is(err, models.ErrUnavailable) {
		v.logger.Warnf("Landmark source unavailable, using pixel difference: %v", err)
		return v.pixelDiff(imgA, imgB, kind)
	}
	if err != nil {
		v.logger.Debugf("Liveness frame A: %v", err)
		return d
	}
	poseB, err := v.pose(ctx, frameB)
	if errors.Is(err, models.ErrUnavailable) {
		v.logger.Warnf("Landmark source unavailable, using pixel difference: %v", err)
		return v.pixelDiff(imgA, imgB, kind)
	}
	if err != nil {
		v.logger.Debugf("Liveness frame B: %v", err)
		return d
	}

	d.YawDelta = poseB.Yaw - poseA.Yaw
	d.EyeDelta = poseA.Eye - poseB.Eye
	d.MouthDelta = poseB.Mouth - poseA.Mouth

	switch kind {
	case KindTurnLeft, KindTurnRight:
		d.Passed = math.Abs(d.YawDelta) >= v.cfg.PoseThreshold
	case KindBlink:
		d.Passed = d.EyeDelta > v.cfg.EyeThreshold
	case KindOpenMouth:
		d.Passed = d.MouthDelta > v.cfg.MouthThreshold
	}
	return d
}

func (v *Verifier) pose(ctx context.Context, frame []byte) (Pose, error) {
	mesh, err := v.source.Landmarks(ctx, frame)
	if err != nil {
		return Pose{}, err
	}
	return MeasurePose(mesh)
}

func (v *Verifier) pixelDiff(a, b image.Image, kind Kind) Decision {
	diff := utils.MeanAbsDiff(a, b)
	return Decision{
		Kind:      kind,
		Mode:      ModePixelDiff,
		Passed:    diff > v.cfg.PixelDiffThreshold,
		PixelDiff: diff,
	}
}

// MeasurePose extracts yaw, eye and mouth aperture from a normalized face mesh
func MeasurePose(mesh []models.Landmark) (Pose, error) {
	if len(mesh) < meshSize {
		return Pose{}, ErrNoLandmarks
	}

	yaw := (mesh[meshNose].X - (mesh[meshCheekLeft].X+mesh[meshCheekRight].X)/2) * 100
	return Pose{
		Yaw:   yaw,
		Eye:   math.Abs(mesh[meshEyeUpper].Y - mesh[meshEyeLower].Y),
		Mouth: math.Abs(mesh[meshLipUpper].Y - mesh[meshLipLower].Y),
	}, nil
}
