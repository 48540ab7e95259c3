package api

import "github.com/samcharles93/bitvit/internal/model"

// ClassifyRequest carries already-normalised images, each flattened in
// (C, H, W) order.
type ClassifyRequest struct {
	Images [][]float32 `json:"images"`
	TopK   *int        `json:"top_k,omitempty"`
}

type ClassifyResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Results []Classification `json:"results"`
}

type Classification struct {
	Index         int          `json:"index"`
	Source        string       `json:"source,omitempty"`
	Logits        []float32    `json:"logits"`
	Probabilities []float32    `json:"probabilities"`
	Top           []Prediction `json:"top"`
}

type Prediction struct {
	Class       int     `json:"class"`
	Label       string  `json:"label,omitempty"`
	Probability float32 `json:"probability"`
}

type ModelResponse struct {
	ID         string       `json:"id"`
	Object     string       `json:"object"`
	Config     model.Config `json:"config"`
	Parameters int          `json:"parameters"`
	Tensors    int          `json:"tensors"`
	Labels     []string     `json:"labels,omitempty"`
	InputShape []int        `json:"input_shape"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
