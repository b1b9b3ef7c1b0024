// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package tokencount estimates token counts for models which do not
// report usage on their streamed responses.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var encoders sync.Map

// Counter counts tokens with the byte pair encoding of a specific model.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// For returns a [Counter] for the given model. Unknown models fall back
// to the cl100k_base encoding so an estimate is always available.
func For(model string) (*Counter, error) {
	v, ok := encoders.Load(model)
	if ok {
		return v.(*Counter), nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}

	c := &Counter{enc: enc}
	v, _ = encoders.LoadOrStore(model, c)
	return v.(*Counter), nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
