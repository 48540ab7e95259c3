// Package api serves a trained ViT over HTTP.
package api

import (
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/bitvit/internal/dataset"
	"github.com/samcharles93/bitvit/internal/logger"
	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/tensor"
	"github.com/samcharles93/bitvit/internal/webui"
)

const (
	DefaultMaxBatch  = 64
	DefaultMaxBody   = 32 << 20
	DefaultTopK      = 5
	multipartField   = "image"
	topKQueryParam   = "top_k"
	classifyObject   = "classification"
	modelObject      = "model"
	defaultModelName = "bitvit"
)

// Options configures a Server. Zero values pick the defaults above.
type Options struct {
	ModelID  string
	Labels   []string
	MaxBatch int
	MaxBody  int64
	TopK     int
	Logger   logger.Logger
}

type Server struct {
	model     *model.ViT
	transform dataset.Transform
	opts      Options
	log       logger.Logger
	clock     func() time.Time
}

// NewServer wraps m for inference. m is switched to eval mode; its eval
// forward pass is safe to call from concurrent requests.
func NewServer(m *model.ViT, opts Options) *Server {
	if opts.ModelID == "" {
		opts.ModelID = defaultModelName
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	m.SetTraining(false)
	return &Server{
		model:     m,
		transform: dataset.CIFARTransform(m.Config().ImageSize, false),
		opts:      opts,
		log:       log.With("component", "api"),
		clock:     time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.GET("/health", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/classify", s.handleClassify)
}

func (s *Server) handleIndex(c *echo.Context) error {
	cfg := s.model.Config()
	page, err := webui.Index(webui.Page{
		ModelID:    s.opts.ModelID,
		Encoders:   cfg.NumEncoders,
		Latent:     cfg.LatentSize,
		ImageSize:  cfg.ImageSize,
		NumClasses: cfg.NumClasses,
		Parameters: s.model.Parameters().NumElements(),
		TopK:       min(s.opts.TopK, cfg.NumClasses),
		Labels:     s.opts.Labels,
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.HTMLBlob(http.StatusOK, page)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.model.Config()
	params := s.model.Parameters()
	return c.JSON(http.StatusOK, ModelResponse{
		ID:         s.opts.ModelID,
		Object:     modelObject,
		Config:     cfg,
		Parameters: params.NumElements(),
		Tensors:    params.Len(),
		Labels:     s.opts.Labels,
		InputShape: cfg.InputShape(),
	})
}

func (s *Server) handleClassify(c *echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.opts.MaxBody)

	mediaType, _, _ := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
	var (
		images  *tensor.Tensor
		sources []string
		k       = s.opts.TopK
		err     error
	)
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		images, sources, err = s.decodeMultipart(req)
	case mediaType == echo.MIMEApplicationJSON || mediaType == "":
		if req.ContentLength == 0 {
			err = invalidf("", "empty_body", "request body is empty")
			break
		}
		var body ClassifyRequest
		body, err = decodeJSON[ClassifyRequest](req.Body)
		if err != nil {
			err = bodyError(err)
			break
		}
		if body.TopK != nil {
			k = *body.TopK
		}
		images, err = s.pixelsToTensor(body.Images)
	default:
		return writeError(c, http.StatusUnsupportedMediaType, ResponseError{
			Message: fmt.Sprintf("unsupported content type %q", mediaType),
			Type:    invalidRequestType,
			Code:    "unsupported_media_type",
		})
	}
	if err != nil {
		return writeFailure(c, err)
	}
	if raw := c.QueryParam(topKQueryParam); raw != "" {
		v, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return writeFailure(c, invalidf(topKQueryParam, "invalid_top_k", "top_k must be an integer"))
		}
		k = v
	}
	if k <= 0 {
		return writeFailure(c, invalidf(topKQueryParam, "invalid_top_k", "top_k must be positive"))
	}

	start := s.clock()
	logits, err := s.model.Forward(images)
	if err != nil {
		return writeFailure(c, err)
	}
	resp := ClassifyResponse{
		ID:      newClassificationID(),
		Object:  classifyObject,
		Created: start.Unix(),
		Model:   s.opts.ModelID,
		Results: classifications(logits, k, s.opts.Labels, sources),
	}
	s.log.Debug("classified batch",
		"id", resp.ID,
		"images", logits.Rows(),
		"elapsed", s.clock().Sub(start),
	)
	return c.JSON(http.StatusOK, resp)
}

// pixelsToTensor checks every image against the model's input shape.
func (s *Server) pixelsToTensor(images [][]float32) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, invalidf("images", "empty_batch", "images must not be empty")
	}
	if len(images) > s.opts.MaxBatch {
		return nil, tooLargef("images", "%d images exceeds the limit of %d", len(images), s.opts.MaxBatch)
	}
	cfg := s.model.Config()
	per := cfg.Channels * cfg.ImageSize * cfg.ImageSize
	out := tensor.New(len(images), cfg.Channels, cfg.ImageSize, cfg.ImageSize)
	for i, img := range images {
		if len(img) != per {
			return nil, invalidf(fmt.Sprintf("images[%d]", i), "shape_mismatch",
				"images[%d] has %d values, want %d for shape %s",
				i, len(img), per, tensor.ShapeString(cfg.InputShape()))
		}
		copy(out.Data[i*per:], img)
	}
	return out, nil
}

// decodeMultipart reads every file under the "image" field and runs it
// through the eval transform.
func (s *Server) decodeMultipart(req *http.Request) (*tensor.Tensor, []string, error) {
	if ch := s.model.Config().Channels; ch != dataset.CIFARChannels {
		return nil, nil, invalidf(multipartField, "unsupported_model", "image uploads need a %d-channel model, this one has %d", dataset.CIFARChannels, ch)
	}
	if err := req.ParseMultipartForm(s.opts.MaxBody); err != nil {
		return nil, nil, bodyError(err)
	}
	files := req.MultipartForm.File[multipartField]
	if len(files) == 0 {
		return nil, nil, invalidf(multipartField, "missing_image", `multipart body has no %q file`, multipartField)
	}
	if len(files) > s.opts.MaxBatch {
		return nil, nil, tooLargef(multipartField, "%d images exceeds the limit of %d", len(files), s.opts.MaxBatch)
	}
	imgs := make([]image.Image, len(files))
	names := make([]string, len(files))
	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, nil, err
		}
		img, _, err := dataset.DecodeImage(f)
		_ = f.Close()
		if err != nil {
			return nil, nil, invalidf(multipartField, "undecodable_image", "%s: %v", fh.Filename, err)
		}
		imgs[i] = img
		names[i] = fh.Filename
	}
	return s.transform.ImagesToTensor(imgs), names, nil
}

func bodyError(err error) error {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return tooLargef("", "body exceeds %d bytes", tooBig.Limit)
	case errors.Is(err, io.EOF):
		return invalidf("", "empty_body", "request body is empty")
	default:
		return invalidf("", "malformed_body", "invalid body: %v", err)
	}
}
