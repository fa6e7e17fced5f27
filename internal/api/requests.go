package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// number accepts a JSON number or a string holding one. Anything else leaves
// it unset, which the validators then reject.
type number struct {
	value float64
	ok    bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	*n = number{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		text = strings.TrimSpace(s)
	} else if data[0] != '-' && (data[0] < '0' || data[0] > '9') {
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	n.value, n.ok = v, true
	return nil
}

// Float returns the value, or NaN when unset so range checks fail.
func (n number) Float() float64 {
	if !n.ok {
		return math.NaN()
	}
	return n.value
}

// ID returns the value as a record id, or 0 when it is unset or fractional.
func (n number) ID() int64 {
	if !n.ok || n.value != math.Trunc(n.value) || n.value > math.MaxInt64 || n.value < math.MinInt64 {
		return 0
	}
	return int64(n.value)
}

// numberList is a JSON array of numbers. A value of any other shape decodes
// to an empty list.
type numberList []number

func (l *numberList) UnmarshalJSON(data []byte) error {
	var items []number
	if err := json.Unmarshal(data, &items); err != nil {
		*l = nil
		return nil
	}
	*l = items
	return nil
}

// text accepts a JSON string or number.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.New("expected a string or number")
		}
		*t = text(n.String())
	}
	return nil
}

type trimRequest struct {
	VideoID number `json:"videoId"`
	Start   number `json:"start"`
	End     number `json:"end"`
}

type trimInput struct {
	VideoID int64   `validate:"gt=0"`
	Start   float64 `validate:"gte=0"`
	End     float64 `validate:"gtfield=Start"`
}

func (r trimRequest) input() trimInput {
	return trimInput{VideoID: r.VideoID.ID(), Start: r.Start.Float(), End: r.End.Float()}
}

type mergeRequest struct {
	VideoIDs numberList `json:"videoIds"`
}

type mergeInput struct {
	VideoIDs []int64 `validate:"min=2,dive,gt=0"`
}

func (r mergeRequest) input() mergeInput {
	ids := make([]int64, 0, len(r.VideoIDs))
	for _, id := range r.VideoIDs {
		ids = append(ids, id.ID())
	}
	return mergeInput{VideoIDs: ids}
}

type generateLinkRequest struct {
	VideoID number `json:"videoId"`
	Expiry  text   `json:"expiry"`
}

type generateLinkInput struct {
	VideoID int64  `validate:"gt=0"`
	Expiry  string `validate:"max=64"`
}

func (r generateLinkRequest) input() generateLinkInput {
	return generateLinkInput{VideoID: r.VideoID.ID(), Expiry: strings.TrimSpace(string(r.Expiry))}
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// failedFields lists the struct fields that failed validation. Dived slice
// elements report their parent field name.
func failedFields(err error) map[string]bool {
	fields := make(map[string]bool)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fields
	}
	for _, fe := range verrs {
		name := fe.StructField()
		if i := strings.IndexByte(name, '['); i >= 0 {
			name = name[:i]
			fields[name+"[]"] = true
		}
		fields[name] = true
	}
	return fields
}
