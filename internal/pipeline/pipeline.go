// Package pipeline turns a captured photo into a verification verdict:
// compress, upload, score against keywords, interpret.
//
// Each stage is bounded by its own timeout. Upload problems never reach the
// scorer, a slow scorer is reported as ScoreTimeoutError rather than a
// mismatch, and a passing photo's URL is attached to the task.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/metrics"
	"github.com/harrison/taskproof/internal/models"
)

// DefaultScoreTimeout bounds the recognition call.
const DefaultScoreTimeout = 10 * time.Second

// Options bounds each stage.
type Options struct {
	CompressTimeout time.Duration
	UploadTimeout   time.Duration
	ScoreTimeout    time.Duration
}

// DefaultOptions returns 5s compress, 15s upload and 10s score timeouts.
func DefaultOptions() Options {
	return Options{
		CompressTimeout: 5 * time.Second,
		UploadTimeout:   15 * time.Second,
		ScoreTimeout:    DefaultScoreTimeout,
	}
}

// AttachmentSink records a verified photo URL on its task.
type AttachmentSink interface {
	AddAttachment(ctx context.Context, taskID, url string) error
}

// Request describes one verification attempt.
type Request struct {
	TaskID    string
	Phase     models.Phase
	Photo     Photo
	Keywords  []string
	Threshold float64
}

// Result is the interpreted verdict.
type Result struct {
	Success         bool     `json:"success"`
	PhotoURL        string   `json:"photoUrl"`
	MatchedKeywords []string `json:"matchedKeywords"`
	MatchedFraction float64  `json:"matchedFraction"`
	Threshold       float64  `json:"threshold"`
	Description     string   `json:"description,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
}

// Pipeline wires the stages together.
type Pipeline struct {
	compressor Compressor
	uploader   Uploader
	scorer     Scorer
	sink       AttachmentSink
	opts       Options
	log        logger.Logger
}

// New builds a pipeline. sink and log may be nil.
func New(compressor Compressor, uploader Uploader, scorer Scorer, sink AttachmentSink, opts Options, log logger.Logger) *Pipeline {
	def := DefaultOptions()
	if opts.CompressTimeout <= 0 {
		opts.CompressTimeout = def.CompressTimeout
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = def.UploadTimeout
	}
	if opts.ScoreTimeout <= 0 {
		opts.ScoreTimeout = def.ScoreTimeout
	}
	if compressor == nil {
		compressor = PassthroughCompressor{}
	}
	return &Pipeline{
		compressor: compressor,
		uploader:   uploader,
		scorer:     scorer,
		sink:       sink,
		opts:       opts,
		log:        logger.OrNop(log),
	}
}

// Verify runs every stage. It returns a Result on success and one of
// UploadError, ScoreTimeoutError, ScoreError or MismatchError otherwise.
// Cancellation of ctx is returned as ctx.Err().
func (p *Pipeline) Verify(ctx context.Context, req Request) (*Result, error) {
	compressed, err := p.compress(ctx, req.Photo)
	if err != nil {
		return nil, err
	}

	url, err := p.upload(ctx, compressed)
	if err != nil {
		return nil, err
	}

	resp, err := p.score(ctx, url, req)
	if err != nil {
		return nil, err
	}

	result := Interpret(req.Keywords, req.Threshold, resp)
	result.PhotoURL = url
	if !result.Success {
		p.log.Debugf("task %s %s photo matched %.2f < %.2f", req.TaskID, req.Phase, result.MatchedFraction, req.Threshold)
		return nil, &MismatchError{Result: result}
	}

	if p.sink != nil {
		// The verdict stands even if the task store is unavailable.
		if err := p.sink.AddAttachment(ctx, req.TaskID, url); err != nil {
			p.log.Warnf("task %s: attach photo: %v", req.TaskID, err)
		}
	}
	return result, nil
}

func (p *Pipeline) compress(ctx context.Context, photo Photo) (Photo, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.opts.CompressTimeout)
	defer cancel()

	out, err := p.compressor.Compress(cctx, photo)
	metrics.ObserveStage(StageCompress, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return Photo{}, ctx.Err()
		}
		return Photo{}, &UploadError{Stage: StageCompress, Err: err}
	}
	return out, nil
}

func (p *Pipeline) upload(ctx context.Context, photo Photo) (string, error) {
	start := time.Now()
	uctx, cancel := context.WithTimeout(ctx, p.opts.UploadTimeout)
	defer cancel()

	url, err := p.uploader.Upload(uctx, photo)
	metrics.ObserveStage(StageUpload, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &UploadError{Stage: StageUpload, Err: err}
	}
	if url == "" {
		return "", &UploadError{Stage: StageUpload, Err: errors.New("uploader returned no url")}
	}
	return url, nil
}

func (p *Pipeline) score(ctx context.Context, url string, req Request) (*ScoreResponse, error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, p.opts.ScoreTimeout)
	defer cancel()

	resp, err := p.scorer.Score(sctx, ScoreRequest{
		ImageURL:  url,
		Keywords:  req.Keywords,
		Threshold: req.Threshold,
	})
	metrics.ObserveStage(StageScore, start, err)
	if err != nil {
		// Parent cancellation wins over our own deadline.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if sctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, &ScoreTimeoutError{Timeout: p.opts.ScoreTimeout}
		}
		if IsScoreError(err) {
			return nil, err
		}
		return nil, &ScoreError{Err: err}
	}
	if resp == nil {
		return nil, &ScoreError{Err: fmt.Errorf("empty response")}
	}
	return resp, nil
}

// Interpret applies the threshold to the scorer's matched keywords.
// Matching is case-insensitive and ignores surrounding spaces. An empty
// keyword list always passes.
func Interpret(keywords []string, threshold float64, resp *ScoreResponse) *Result {
	fraction := MatchedFraction(keywords, resp.MatchedKeywords)
	return &Result{
		Success:         fraction >= threshold,
		MatchedKeywords: append([]string(nil), resp.MatchedKeywords...),
		MatchedFraction: fraction,
		Threshold:       threshold,
		Description:     resp.Description,
		Suggestions:     append([]string(nil), resp.Suggestions...),
	}
}

// MatchedFraction is the share of expected keywords found in matched.
func MatchedFraction(expected, matched []string) float64 {
	if len(expected) == 0 {
		return 1.0
	}
	seen := make(map[string]bool, len(matched))
	for _, m := range matched {
		seen[normalizeKeyword(m)] = true
	}
	hits := 0
	counted := make(map[string]bool, len(expected))
	for _, e := range expected {
		k := normalizeKeyword(e)
		if counted[k] {
			continue
		}
		counted[k] = true
		if seen[k] {
			hits++
		}
	}
	return float64(hits) / float64(len(counted))
}

func normalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
