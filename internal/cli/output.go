package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"incidentdesk.org/internal/apperr"
)

// output renders command results as text lines or one JSON document.
type output struct {
	format string
	w      io.Writer
}

type response struct {
	Status string         `json:"status"`
	Data   any            `json:"data,omitempty"`
	Error  *responseError `json:"error,omitempty"`
}

type responseError struct {
	Kind    apperr.Kind        `json:"kind,omitempty"`
	Message string             `json:"message"`
	Persons []apperr.PersonRef `json:"persons,omitempty"`
}

func newOutput(opts *RootOptions, w io.Writer) *output {
	return &output{format: opts.Format, w: w}
}

// success prints data as JSON, or the text lines otherwise.
func (o *output) success(data any, lines ...string) error {
	if o.format == "json" {
		return json.NewEncoder(o.w).Encode(response{Status: "ok", Data: data})
	}
	for _, l := range lines {
		fmt.Fprintln(o.w, l)
	}
	return nil
}

// failure prints a domain error in full and returns it so the exit code is
// non-zero.
func (o *output) failure(err error) error {
	de, ok := apperr.As(err)
	if !ok {
		return err
	}
	if o.format == "json" {
		_ = json.NewEncoder(o.w).Encode(response{Status: "error", Error: &responseError{
			Kind:    de.Kind,
			Message: de.Message,
			Persons: de.Persons,
		}})
		return err
	}
	fmt.Fprintf(o.w, "Error [%s]: %s\n", de.Kind, de.Message)
	for _, p := range de.Persons {
		fmt.Fprintf(o.w, "  - %s (%s)\n", p.Name, p.Role)
	}
	return err
}
