package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request shape. Geometry against the source bounds is
// checked by the transform engine.
func (r TransformRequest) Validate() error {
	if err := validatorInstance().Struct(r); err != nil {
		return GeometryError(describeValidation(err))
	}
	if !r.Format.Valid() {
		return EncodeError(fmt.Sprintf("unsupported output format %q", r.Format), nil)
	}
	if r.Crop != nil {
		// rotated crops are placed in the safe-area frame and may start
		// left of or above the unrotated source
		if !r.HasRotation() && (r.Crop.X < 0 || r.Crop.Y < 0) {
			return GeometryError("crop origin must not be negative")
		}
		if r.Crop.Empty() {
			return GeometryError("crop region has zero area")
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// ValidateStruct exposes the shared validator to other packages.
func ValidateStruct(v any) error {
	if err := validatorInstance().Struct(v); err != nil {
		return errors.New(describeValidation(err))
	}
	return nil
}
