package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskproof/internal/models"
)

type stubUploader struct {
	url   string
	err   error
	calls int32
}

func (u *stubUploader) Upload(ctx context.Context, p Photo) (string, error) {
	atomic.AddInt32(&u.calls, 1)
	return u.url, u.err
}

type stubScorer struct {
	resp  *ScoreResponse
	err   error
	delay time.Duration
	calls int32
	last  ScoreRequest
}

func (s *stubScorer) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	atomic.AddInt32(&s.calls, 1)
	s.last = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.resp, s.err
}

type recordingSink struct {
	taskID, url string
}

func (r *recordingSink) AddAttachment(_ context.Context, taskID, url string) error {
	r.taskID, r.url = taskID, url
	return nil
}

func testPhoto() Photo {
	return Photo{Name: "proof.jpg", ContentType: "image/jpeg", Data: []byte("not really a jpeg")}
}

func TestPipeline_Success(t *testing.T) {
	uploader := &stubUploader{url: "https://photos.example/p1.jpg"}
	scorer := &stubScorer{resp: &ScoreResponse{
		MatchedKeywords: []string{"Running Shoes"},
		Description:     "a pair of running shoes on grass",
	}}
	sink := &recordingSink{}
	p := New(PassthroughCompressor{}, uploader, scorer, sink, DefaultOptions(), nil)

	res, err := p.Verify(context.Background(), Request{
		TaskID:    "t1",
		Phase:     models.PhaseStart,
		Photo:     testPhoto(),
		Keywords:  []string{"running shoes", "park"},
		Threshold: 0.5,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.5, res.MatchedFraction)
	assert.Equal(t, "https://photos.example/p1.jpg", res.PhotoURL)
	assert.Equal(t, "t1", sink.taskID)
	assert.Equal(t, res.PhotoURL, sink.url)
	assert.Equal(t, []string{"running shoes", "park"}, scorer.last.Keywords)
	assert.Equal(t, res.PhotoURL, scorer.last.ImageURL)
}

func TestPipeline_UploadFailureSkipsScorer(t *testing.T) {
	uploader := &stubUploader{err: errors.New("bucket unavailable")}
	scorer := &stubScorer{resp: &ScoreResponse{}}
	p := New(nil, uploader, scorer, nil, DefaultOptions(), nil)

	_, err := p.Verify(context.Background(), Request{TaskID: "t1", Photo: testPhoto(), Threshold: 0.1})
	require.Error(t, err)
	assert.True(t, IsUploadError(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&scorer.calls))
}

func TestPipeline_CompressFailureIsUploadError(t *testing.T) {
	p := New(NewJPEGCompressor(100, 80), &stubUploader{url: "x"}, &stubScorer{}, nil, DefaultOptions(), nil)

	_, err := p.Verify(context.Background(), Request{TaskID: "t1", Photo: testPhoto()})
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, StageCompress, ue.Stage)
}

func TestPipeline_ScoreTimeoutIsNotMismatch(t *testing.T) {
	scorer := &stubScorer{resp: &ScoreResponse{}, delay: time.Second}
	opts := DefaultOptions()
	opts.ScoreTimeout = 20 * time.Millisecond
	p := New(nil, &stubUploader{url: "u"}, scorer, nil, opts, nil)

	_, err := p.Verify(context.Background(), Request{TaskID: "t1", Photo: testPhoto(), Keywords: []string{"a"}, Threshold: 0.1})
	require.Error(t, err)
	assert.True(t, IsScoreTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, isMismatch := AsMismatch(err)
	assert.False(t, isMismatch)
}

func TestPipeline_ParentCancellation(t *testing.T) {
	scorer := &stubScorer{resp: &ScoreResponse{}, delay: time.Second}
	p := New(nil, &stubUploader{url: "u"}, scorer, nil, DefaultOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Verify(ctx, Request{TaskID: "t1", Photo: testPhoto(), Keywords: []string{"a"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsScoreTimeout(err))
}

func TestPipeline_Mismatch(t *testing.T) {
	scorer := &stubScorer{resp: &ScoreResponse{
		MatchedKeywords: []string{"grass"},
		Description:     "a lawn",
		Suggestions:     []string{"show your shoes"},
	}}
	sink := &recordingSink{}
	p := New(nil, &stubUploader{url: "u"}, scorer, sink, DefaultOptions(), nil)

	_, err := p.Verify(context.Background(), Request{TaskID: "t1", Photo: testPhoto(),
		Keywords: []string{"shoes", "park", "track"}, Threshold: 0.3})
	me, ok := AsMismatch(err)
	require.True(t, ok)
	assert.Equal(t, 0.0, me.Result.MatchedFraction)
	assert.Equal(t, []string{"show your shoes"}, me.Result.Suggestions)
	assert.Contains(t, me.Error(), "a lawn")
	assert.Empty(t, sink.url, "failed photos are not attached")
}

func TestMatchedFraction(t *testing.T) {
	tests := []struct {
		name     string
		expected []string
		matched  []string
		want     float64
	}{
		{name: "empty keywords pass", expected: nil, matched: nil, want: 1.0},
		{name: "case insensitive", expected: []string{"Shoes"}, matched: []string{" shoes "}, want: 1.0},
		{name: "partial", expected: []string{"a", "b", "c", "d"}, matched: []string{"b", "x"}, want: 0.25},
		{name: "duplicates counted once", expected: []string{"a", "A", "b"}, matched: []string{"a"}, want: 0.5},
		{name: "none", expected: []string{"a"}, matched: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MatchedFraction(tt.expected, tt.matched), 1e-9)
		})
	}
}

func TestInterpret_ThresholdBoundary(t *testing.T) {
	resp := &ScoreResponse{MatchedKeywords: []string{"a"}}
	assert.True(t, Interpret([]string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, 0.1, resp).Success,
		"matched fraction equal to threshold passes")
	assert.False(t, Interpret([]string{"a", "b", "c", "d"}, 0.3, resp).Success)
}

func TestJPEGCompressor_Downscales(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, err := NewJPEGCompressor(100, 70).Compress(context.Background(), Photo{Name: "p.png", Data: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.ContentType)

	decoded, err := jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.Bounds().Dx())
	assert.Equal(t, 50, decoded.Bounds().Dy())
}

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	u := NewLocalUploader(dir, "https://cdn.example/photos/")

	url, err := u.Upload(context.Background(), Photo{ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example/photos/"))
	assert.True(t, strings.HasSuffix(url, ".jpg"))

	name := strings.TrimPrefix(url, "https://cdn.example/photos/")
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)
}

func TestIPFSUploader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/add", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"Hash": "bafyproof", "Name": ""})
	}))
	defer srv.Close()

	u := NewIPFSUploader(strings.TrimPrefix(srv.URL, "http://"), "https://gateway.example/", time.Second)
	url, err := u.Upload(context.Background(), Photo{Data: []byte("jpeg")})
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example/ipfs/bafyproof", url)
}

func TestHTTPScorer(t *testing.T) {
	t.Run("decodes verdict", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/score", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			var req ScoreRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"desk"}, req.Keywords)
			json.NewEncoder(w).Encode(ScoreResponse{Success: true, MatchedKeywords: []string{"desk"}, Description: "a desk"})
		}))
		defer srv.Close()

		resp, err := NewHTTPScorer(srv.URL, "secret").Score(context.Background(), ScoreRequest{ImageURL: "u", Keywords: []string{"desk"}, Threshold: 0.3})
		require.NoError(t, err)
		assert.Equal(t, []string{"desk"}, resp.MatchedKeywords)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewHTTPScorer(srv.URL, "").Score(context.Background(), ScoreRequest{})
		var se *ScoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	})

	t.Run("slow server becomes score timeout through the pipeline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		opts := DefaultOptions()
		opts.ScoreTimeout = 50 * time.Millisecond
		p := New(nil, &stubUploader{url: "u"}, NewHTTPScorer(srv.URL, ""), nil, opts, nil)
		_, err := p.Verify(context.Background(), Request{TaskID: "t1", Photo: testPhoto(), Keywords: []string{"a"}})
		assert.True(t, IsScoreTimeout(err), "got %v", err)
	})
}
