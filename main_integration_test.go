package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/auth"
	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
	"github.com/garvit1910/ctrl-hack-del/internal/handlers"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/usecase"
)

// blockingPredictor holds every screening until release is closed.
type blockingPredictor struct {
	started chan struct{}
	release chan struct{}
	record  *usecase.PredictionRecord
	spiral  []byte
}

func (p *blockingPredictor) Run(_ context.Context, spiral, _ []byte, _ string) (*usecase.PredictionRecord, error) {
	p.spiral = spiral
	close(p.started)
	<-p.release
	return p.record, nil
}

func (p *blockingPredictor) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return nil, usecase.ErrAuditDisabled
}

type readyModels struct{}

func (readyModels) Ready() bool { return true }
func (readyModels) Info() ([]model.Info, error) { return nil, nil }

func screeningRecord(t *testing.T) *usecase.PredictionRecord {
	t.Helper()
	classifier, err := ensemble.NewClassifier(ensemble.DefaultWeights)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	result, err := classifier.Classify(0.9, 0.6, ensemble.ModeDrawn)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	return &usecase.PredictionRecord{
		RequestID: "req-shutdown",
		Result:    result,
		Spiral:    usecase.Explanation{Overlay: image.NewRGBA(image.Rect(0, 0, 4, 4))},
	}
}

func TestServerDrainsInFlightScreeningOnShutdown(t *testing.T) {
	predictor := &blockingPredictor{
		started: make(chan struct{}),
		release: make(chan struct{}),
		record:  screeningRecord(t),
	}
	released := false
	defer func() {
		if !released {
			close(predictor.release)
		}
	}()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers.RegisterRoutes(router, predictor, readyModels{}, auth.JWTMiddleware("", ""), handlers.Options{
		Version:   "test",
		ImageSize: 224,
		Weights:   ensemble.DefaultWeights,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, zap.NewNop(), listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	payload, err := json.Marshal(map[string]string{
		"spiral_image": "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("spiral")),
		"wave_image":   base64.StdEncoding.EncodeToString([]byte("wave")),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Post("http://"+addr+"/predict", "application/json", bytes.NewReader(payload))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-predictor.started:
	case <-time.After(2 * time.Second):
		t.Fatal("screening did not start in time")
	}

	signalCh <- syscall.SIGTERM

	select {
	case err := <-done:
		t.Fatalf("server returned before the screening finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	released = true
	close(predictor.release)

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, body)
		}
		var got map[string]interface{}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
		if got["request_id"] != "req-shutdown" {
			t.Fatalf("unexpected request id %v", got["request_id"])
		}
		if got["pd_probability_percent"] != 75.0 || got["risk_tier"] != "Elevated Risk" {
			t.Fatalf("unexpected result: %s", body)
		}
		if got["wave_gradcam_base64"] != nil {
			t.Fatalf("missing wave overlay should be null, got %v", got["wave_gradcam_base64"])
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	if string(predictor.spiral) != "spiral" {
		t.Fatalf("envelope should be stripped before screening, got %q", predictor.spiral)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestServerReturnsListenerErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	listener.Close()

	err = serveHTTPServerWithOptions(&http.Server{Handler: gin.New()}, time.Second, zap.NewNop(), listener, make(chan os.Signal))
	if err == nil {
		t.Fatal("expected an error from a closed listener")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
