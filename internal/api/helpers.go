package api

import (
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/bitvit/internal/model"
	"github.com/samcharles93/bitvit/internal/tensor"
)

const (
	invalidRequestType = "invalid_request_error"
	serverErrorType    = "server_error"
)

func writeError(c *echo.Context, status int, e ResponseError) error {
	return c.JSON(status, map[string]ResponseError{"error": e})
}

// writeFailure maps a handler error onto a status code and error body.
func writeFailure(c *echo.Context, err error) error {
	var (
		req   *requestError
		shape *model.ShapeError
	)
	switch {
	case errors.As(err, &req):
		status := http.StatusBadRequest
		if errors.Is(err, ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		return writeError(c, status, ResponseError{
			Message: req.msg,
			Type:    invalidRequestType,
			Code:    req.code,
			Param:   req.param,
		})
	case errors.As(err, &shape):
		return writeError(c, http.StatusBadRequest, ResponseError{
			Message: err.Error(),
			Type:    invalidRequestType,
			Code:    "shape_mismatch",
			Param:   "images",
		})
	default:
		return writeError(c, http.StatusInternalServerError, ResponseError{
			Message: err.Error(),
			Type:    serverErrorType,
		})
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// topK returns the k most probable classes, highest first. Ties keep the
// lower class index first.
func topK(probs []float32, k int, labels []string) []Prediction {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	k = min(max(k, 1), len(idx))
	out := make([]Prediction, k)
	for i, c := range idx[:k] {
		out[i] = Prediction{Class: c, Probability: probs[c]}
		if c < len(labels) {
			out[i].Label = labels[c]
		}
	}
	return out
}

// classifications splits a (B, classes) logits tensor into per-image results.
func classifications(logits *tensor.Tensor, k int, labels, sources []string) []Classification {
	out := make([]Classification, logits.Rows())
	for i := range out {
		row := logits.Row(i)
		probs := append([]float32(nil), row...)
		tensor.Softmax(probs)
		out[i] = Classification{
			Index:         i,
			Logits:        append([]float32(nil), row...),
			Probabilities: probs,
			Top:           topK(probs, k, labels),
		}
		if i < len(sources) {
			out[i].Source = sources[i]
		}
	}
	return out
}

func newClassificationID() string {
	return "cls_" + uuid.NewString()
}
