package checkout

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/logos-ecosystem/logos-billing/app/models"
)

// FieldError is one entry of the structured validation response the API
// returns for user-correctable input problems.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors is a field-level error map. It never advances partial
// state: the step stays where it is until every field passes.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	fields := make([]string, len(v))
	for i, fe := range v {
		fields[i] = fe.Field
	}
	return "validation failed: " + strings.Join(fields, ", ")
}

var validate = validator.New()

// validateBillingInfo checks the billing step's required fields and formats.
func validateBillingInfo(in BillingInfo) ValidationErrors {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Field: "billing", Code: "invalid", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   jsonFieldName(fe.Field()),
			Code:    fe.Tag(),
			Message: fmt.Sprintf("%s is %s", jsonFieldName(fe.Field()), fe.Tag()),
		})
	}
	return out
}

// supported payment method types; the credential itself never touches this
// service, only the processor sees it.
var paymentMethodTypes = map[string]bool{
	"card":          true,
	"paypal":        true,
	"bank_transfer": true,
}

func validatePaymentMethod(methodType string) ValidationErrors {
	if !paymentMethodTypes[strings.TrimSpace(methodType)] {
		return ValidationErrors{{
			Field:   "payment_method_type",
			Code:    "unsupported",
			Message: "payment_method_type must be one of card, paypal, bank_transfer",
		}}
	}
	return nil
}

func validatePlanSelection(planID, interval string) ValidationErrors {
	var out ValidationErrors
	if strings.TrimSpace(planID) == "" {
		out = append(out, FieldError{Field: "plan_id", Code: "required", Message: "plan_id is required"})
	}
	switch interval {
	case models.BillingIntervalMonth, models.BillingIntervalYear:
	default:
		out = append(out, FieldError{Field: "billing_interval", Code: "invalid", Message: "billing_interval must be month or year"})
	}
	return out
}

// jsonFieldName maps the Go struct field names validator reports back to the
// wire names the client sent.
func jsonFieldName(goField string) string {
	switch goField {
	case "Name":
		return "name"
	case "Email":
		return "email"
	case "AddressLine1":
		return "address_line1"
	case "AddressLine2":
		return "address_line2"
	case "City":
		return "city"
	case "Region":
		return "region"
	case "PostalCode":
		return "postal_code"
	case "Country":
		return "country"
	default:
		return strings.ToLower(goField)
	}
}
