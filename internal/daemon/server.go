package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/internal/auth"
	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/identity"
	"github.com/MrCodeEU/FaceGate/internal/liveness"
)

// Operations understood by the daemon
const (
	OpChallenge  = "challenge"
	OpVerify     = "verify"
	OpIdentify   = "identify"
	OpEnroll     = "enroll"
	OpRemove     = "remove"
	OpCandidates = "candidates"
	OpProbe      = "probe"
)

const requestTimeout = 30 * time.Second

// Request is one newline-terminated JSON request. Frames are base64 strings.
type Request struct {
	Op          string   `json:"op" validate:"required,oneof=challenge verify identify enroll remove candidates probe"`
	Tenant      string   `json:"tenant" validate:"required,max=256"`
	Device      string   `json:"device,omitempty" validate:"max=256"`
	Subject     string   `json:"subject,omitempty" validate:"required,max=256"`
	Claim       string   `json:"claim,omitempty" validate:"max=256"`
	Challenge   string   `json:"challenge,omitempty" validate:"required,oneof=turn_left turn_right blink open_mouth"`
	ChallengeID string   `json:"challenge_id,omitempty" validate:"required,uuid"`
	FrameA      []byte   `json:"frame_a,omitempty" validate:"required,min=1"`
	FrameB      []byte   `json:"frame_b,omitempty" validate:"required,min=1"`
	Frame       []byte   `json:"frame,omitempty" validate:"required,min=1"`
	Frames      [][]byte `json:"frames,omitempty" validate:"required,min=1,max=32,dive,required"`
	K           int      `json:"k,omitempty" validate:"min=1,max=100"`
}

// ChallengeReply is the challenge as sent to clients
type ChallengeReply struct {
	ID          string        `json:"id,omitempty"`
	Kind        liveness.Kind `json:"challenge"`
	Description string        `json:"description"`
	ExpiresIn   int           `json:"expires_in"`
}

// ProbeReply describes the active backends
type ProbeReply struct {
	Backend        string `json:"backend"`
	ExtractionMode string `json:"extraction_mode"`
}

// Response is one newline-terminated JSON reply
type Response struct {
	OK        bool             `json:"ok"`
	Error     string           `json:"error,omitempty"`
	Challenge *ChallengeReply  `json:"challenge,omitempty"`
	Decision  *auth.Decision   `json:"decision,omitempty"`
	Added     int              `json:"embeddings_added,omitempty"`
	Removed   int64            `json:"removed,omitempty"`
	Matches   []identity.Match `json:"matches,omitempty"`
	Probe     *ProbeReply      `json:"probe,omitempty"`
}

// Server handles daemon connections
type Server struct {
	engine   *auth.Engine
	config   atomic.Pointer[config.Config]
	validate *validator.Validate
	logger   *logrus.Logger
}

// NewServer creates a server for engine
func NewServer(engine *auth.Engine, cfg *config.Config, logger *logrus.Logger) *Server {
	s := &Server{
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
	s.config.Store(cfg)
	return s
}

// SetConfig swaps the per-request settings of the server and its engine,
// e.g. after a reload
func (s *Server) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.config.Store(cfg)
	s.engine.SetConfig(cfg)
}

// Serve accepts connections until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("Accept error: %v", err)
			continue
		}

		go s.ServeConn(ctx, conn)
	}
}

// ServeConn answers requests on conn until the peer closes it
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// base64 inflates frames by 4/3 and a request may carry two of them
	maxLine := s.config.Load().Server.MaxFrameBytes*3 + 64*1024
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse(fmt.Errorf("malformed request: %w", err))
		} else {
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			resp = s.Handle(reqCtx, req)
			cancel()
		}

		if err := encoder.Encode(resp); err != nil {
			s.logger.Errorf("Write error: %v", err)
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Warnf("Read error: %v", err)
		_ = encoder.Encode(errorResponse(err))
	}
}

// Handle validates and executes a single request
func (s *Server) Handle(ctx context.Context, req Request) Response {
	cfg := s.config.Load()

	if err := s.validate.StructPartial(req, "Op"); err != nil {
		return errorResponse(fmt.Errorf("invalid op %q", req.Op))
	}
	fields := requiredFields(req, cfg)
	if err := s.validate.StructPartial(req, fields...); err != nil {
		return errorResponse(validationError(err))
	}
	for _, frame := range append([][]byte{req.FrameA, req.FrameB, req.Frame}, req.Frames...) {
		if len(frame) > cfg.Server.MaxFrameBytes {
			return errorResponse(fmt.Errorf("frame exceeds %d bytes", cfg.Server.MaxFrameBytes))
		}
	}

	s.logger.WithFields(logrus.Fields{"op": req.Op, "tenant": req.Tenant}).Debug("Request")

	switch req.Op {
	case OpChallenge:
		ch, err := s.engine.IssueChallenge(ctx)
		if err != nil {
			return errorResponse(err)
		}
		reply := &ChallengeReply{Kind: ch.Kind, Description: ch.Description, ExpiresIn: ch.ExpiresInSeconds()}
		if cfg.Challenge.RequireBinding {
			reply.ID = ch.ID
		}
		return Response{OK: true, Challenge: reply}

	case OpVerify:
		vr := auth.VerifyRequest{
			FrameA:         req.FrameA,
			FrameB:         req.FrameB,
			Challenge:      liveness.Kind(req.Challenge),
			Tenant:         req.Tenant,
			Device:         req.Device,
			ClaimedSubject: req.Claim,
		}
		var (
			d   *auth.Decision
			err error
		)
		if cfg.Challenge.RequireBinding {
			d, err = s.engine.VerifyBound(ctx, req.ChallengeID, vr)
		} else {
			d, err = s.engine.Verify(ctx, vr)
		}
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: d.Accepted, Decision: d}

	case OpIdentify:
		d, err := s.engine.Identify(ctx, req.Tenant, req.Device, req.Frame)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: d.Accepted, Decision: d}

	case OpEnroll:
		added, err := s.engine.Enroll(ctx, req.Tenant, req.Subject, req.Frames...)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: true, Added: added}

	case OpRemove:
		n, err := s.engine.Remove(ctx, req.Tenant, req.Subject)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: true, Removed: n}

	case OpCandidates:
		k := req.K
		if k == 0 {
			k = 5
		}
		matches, err := s.engine.Candidates(ctx, req.Tenant, req.Frame, k)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: true, Matches: matches}

	case OpProbe:
		return Response{OK: true, Probe: &ProbeReply{
			Backend:        s.engine.Backend(ctx),
			ExtractionMode: string(s.engine.ExtractionMode()),
		}}
	}

	return errorResponse(fmt.Errorf("unsupported op %q", req.Op))
}

// requiredFields lists the request fields each op validates
func requiredFields(req Request, cfg *config.Config) []string {
	switch req.Op {
	case OpVerify:
		fields := []string{"Tenant", "Device", "Claim", "FrameA", "FrameB"}
		if cfg.Challenge.RequireBinding {
			return append(fields, "ChallengeID")
		}
		return append(fields, "Challenge")
	case OpIdentify:
		return []string{"Tenant", "Device", "Frame"}
	case OpEnroll:
		return []string{"Tenant", "Subject", "Frames"}
	case OpRemove:
		return []string{"Tenant", "Subject"}
	case OpCandidates:
		if req.K == 0 {
			return []string{"Tenant", "Frame"}
		}
		return []string{"Tenant", "Frame", "K"}
	default:
		return []string{"Op"}
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid field %s: failed %s", fe.Field(), fe.Tag())
	}
	return err
}

func errorResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}
