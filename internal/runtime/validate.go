package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/l0p7/listingkit/internal/runtime/watermark"
)

const (
	maxTagsBody = 64 << 10

	minTitleLength       = 5
	maxTitleLength       = 140
	minDescriptionLength = 10
	minCategoryLength    = 3
	maxCategoryLength    = 100
)

// ValidationError describes the first field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

func validateTagsRequest(req tagsRequest) error {
	if err := lengthBetween("title", req.Title, minTitleLength, maxTitleLength); err != nil {
		return err
	}
	if err := lengthBetween("description", req.Description, minDescriptionLength, 0); err != nil {
		return err
	}
	return lengthBetween("category", req.Category, minCategoryLength, maxCategoryLength)
}

// parseWatermarkFields validates the form fields of a watermark upload. An
// absent opacity defaults to half transparency.
func parseWatermarkFields(text, position, opacity string) (watermark.Request, error) {
	if err := lengthBetween("text", text, 1, watermark.MaxTextLength); err != nil {
		return watermark.Request{}, err
	}
	if strings.TrimSpace(position) == "" {
		return watermark.Request{}, &ValidationError{Field: "position", Message: "is required"}
	}
	pos, err := watermark.ParsePosition(position)
	if err != nil {
		return watermark.Request{}, &ValidationError{
			Field:   "position",
			Message: "must be one of top-left, top-right, bottom-left, bottom-right, center",
		}
	}

	value := defaultOpacity
	if trimmed := strings.TrimSpace(opacity); trimmed != "" {
		value, err = strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return watermark.Request{}, &ValidationError{Field: "opacity", Message: "must be a number"}
		}
	}
	if value < 0 || value > 1 {
		return watermark.Request{}, &ValidationError{Field: "opacity", Message: "must be between 0 and 1"}
	}
	return watermark.Request{Text: text, Position: pos, Opacity: value}, nil
}

// lengthBetween counts characters of the trimmed value. A zero upper bound
// means unbounded.
func lengthBetween(field, value string, lower, upper int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n < lower {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at least %d characters", lower)}
	}
	if upper > 0 && n > upper {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", upper)}
	}
	return nil
}
