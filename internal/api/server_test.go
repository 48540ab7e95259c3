package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/bitvit/internal/model"
)

func tinyModel(t *testing.T) *model.ViT {
	t.Helper()
	cfg := model.Config{
		NumEncoders: 1,
		LatentSize:  8,
		NumHeads:    2,
		NumClasses:  3,
		ImageSize:   8,
		PatchSize:   4,
		Channels:    3,
		MLPRatio:    2,
		NormEpsilon: 1e-6,
		Seed:        3,
	}
	m, err := model.New(cfg)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func newTestEcho(t *testing.T, opts Options) (*echo.Echo, *model.ViT) {
	t.Helper()
	m := tinyModel(t)
	e := echo.New()
	NewServer(m, opts).Register(e)
	return e, m
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func pixelsJSON(n, per int, topK int) string {
	img := make([]float32, per)
	for i := range img {
		img[i] = float32(i%7)/7 - 0.5
	}
	images := make([][]float32, n)
	for i := range images {
		images[i] = img
	}
	body := map[string]any{"images": images}
	if topK > 0 {
		body["top_k"] = topK
	}
	b, _ := json.Marshal(body)
	return string(b)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ResponseError {
	t.Helper()
	var body struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestHealth(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, Options{})
	rec := doJSON(t, e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestIndexPage(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, Options{ModelID: "tiny"})
	rec := doJSON(t, e, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/html") {
		t.Fatalf("content type: %q", rec.Header().Get(echo.HeaderContentType))
	}
	if !strings.Contains(rec.Body.String(), "/v1/classify") {
		t.Fatal("index page missing classify form")
	}
	if !strings.Contains(rec.Body.String(), "tiny: 1 encoders, latent 8, 8px input") {
		t.Fatalf("index page missing model summary: %s", rec.Body.String())
	}
}

func TestModelInfo(t *testing.T) {
	t.Parallel()

	e, m := newTestEcho(t, Options{ModelID: "tiny", Labels: []string{"a", "b", "c"}})
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got ModelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "tiny" || got.Object != "model" {
		t.Fatalf("unexpected header fields: %+v", got)
	}
	if got.Parameters != m.Parameters().NumElements() {
		t.Fatalf("parameters: got %d want %d", got.Parameters, m.Parameters().NumElements())
	}
	if got.Config != m.Config() {
		t.Fatalf("config: got %+v want %+v", got.Config, m.Config())
	}
	if len(got.InputShape) != 3 || got.InputShape[1] != 8 {
		t.Fatalf("input shape: %v", got.InputShape)
	}
}

func TestClassifyJSONMatchesForward(t *testing.T) {
	t.Parallel()

	e, m := newTestEcho(t, Options{Labels: []string{"a", "b", "c"}})
	per := 3 * 8 * 8
	rec := doJSON(t, e, http.MethodPost, "/v1/classify", pixelsJSON(2, per, 2))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(got.ID, "cls_") || got.Object != "classification" {
		t.Fatalf("unexpected response header: %+v", got)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results: got %d want 2", len(got.Results))
	}

	var req ClassifyRequest
	if err := json.Unmarshal([]byte(pixelsJSON(1, per, 0)), &req); err != nil {
		t.Fatal(err)
	}
	images, err := NewServer(m, Options{}).pixelsToTensor(req.Images)
	if err != nil {
		t.Fatal(err)
	}
	want, err := m.Forward(images)
	if err != nil {
		t.Fatal(err)
	}

	res := got.Results[0]
	for i, v := range want.Row(0) {
		if res.Logits[i] != v {
			t.Fatalf("logit %d: got %v want %v", i, res.Logits[i], v)
		}
	}
	var sum float32
	for _, p := range res.Probabilities {
		sum += p
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("probabilities sum to %v", sum)
	}
	if len(res.Top) != 2 {
		t.Fatalf("top: got %d want 2", len(res.Top))
	}
	if res.Top[0].Probability < res.Top[1].Probability {
		t.Fatalf("top not sorted: %+v", res.Top)
	}
	if res.Top[0].Label != []string{"a", "b", "c"}[res.Top[0].Class] {
		t.Fatalf("label mismatch: %+v", res.Top[0])
	}
}

func TestClassifyRejectsBadInput(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, Options{MaxBatch: 2})
	per := 3 * 8 * 8
	tests := []struct {
		name   string
		body   string
		path   string
		status int
		code   string
		param  string
	}{
		{name: "empty body", body: "", path: "/v1/classify", status: http.StatusBadRequest, code: "empty_body"},
		{name: "malformed json", body: `{"images": nope}`, path: "/v1/classify", status: http.StatusBadRequest, code: "malformed_body"},
		{name: "no images", body: `{"images":[]}`, path: "/v1/classify", status: http.StatusBadRequest, code: "empty_batch", param: "images"},
		{name: "wrong length", body: pixelsJSON(1, per-1, 0), path: "/v1/classify", status: http.StatusBadRequest, code: "shape_mismatch", param: "images[0]"},
		{name: "too many", body: pixelsJSON(3, per, 0), path: "/v1/classify", status: http.StatusRequestEntityTooLarge, code: "too_large", param: "images"},
		{name: "bad top_k", body: pixelsJSON(1, per, 0), path: "/v1/classify?top_k=x", status: http.StatusBadRequest, code: "invalid_top_k", param: "top_k"},
		{name: "zero top_k", body: pixelsJSON(1, per, 0), path: "/v1/classify?top_k=0", status: http.StatusBadRequest, code: "invalid_top_k", param: "top_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tt.status, rec.Body.String())
			}
			got := decodeError(t, rec)
			if got.Type != "invalid_request_error" || got.Code != tt.code || got.Param != tt.param {
				t.Fatalf("error body: %+v", got)
			}
		})
	}
}

func TestClassifyMultipart(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, Options{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"red.png", "blue.png"} {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		c := color.RGBA{R: 255, A: 255}
		if name == "blue.png" {
			c = color.RGBA{B: 255, A: 255}
		}
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		fw, err := mw.CreateFormFile("image", name)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(fw, img); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/classify?top_k=1", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results: got %d want 2", len(got.Results))
	}
	if got.Results[0].Source != "red.png" || got.Results[1].Source != "blue.png" {
		t.Fatalf("sources: %q %q", got.Results[0].Source, got.Results[1].Source)
	}
	if len(got.Results[0].Top) != 1 {
		t.Fatalf("top_k query param ignored: %+v", got.Results[0].Top)
	}
}

func TestClassifyMultipartWithoutImage(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, Options{})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("note", "nothing here")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/classify", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeError(t, rec); got.Code != "missing_image" || got.Param != "image" {
		t.Fatalf("error body: %+v", got)
	}
}

func TestClassifyUnsupportedMediaType(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/classify", strings.NewReader("x"))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestTopKOrdering(t *testing.T) {
	t.Parallel()

	got := topK([]float32{0.1, 0.5, 0.1, 0.3}, 3, []string{"w", "x", "y", "z"})
	want := []Prediction{
		{Class: 1, Label: "x", Probability: 0.5},
		{Class: 3, Label: "z", Probability: 0.3},
		{Class: 0, Label: "w", Probability: 0.1},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rank %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	if n := len(topK([]float32{1, 2}, 10, nil)); n != 2 {
		t.Fatalf("k clamps to class count, got %d", n)
	}
}
