package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragreader/ragreader/errors"
)

// Envelope is the uniform response shape of every endpoint.
type Envelope struct {
	Status    int       `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Data      Data      `json:"data"`
}

// Data wraps the payload; null when the request failed.
type Data struct {
	Response any `json:"response"`
}

func respond(c *gin.Context, status int, message string, payload any) {
	c.JSON(status, Envelope{
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Data:      Data{Response: payload},
	})
}

// fail maps the error taxonomy onto HTTP statuses and renders the envelope
// with a null payload.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrInvalidInput), errors.Is(err, errors.ErrNotReady):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrCorpusEmpty):
		status = http.StatusNotFound
	}
	respond(c, status, err.Error(), nil)
}
