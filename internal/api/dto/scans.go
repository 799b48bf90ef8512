package dto

import "github.com/hugh/escanv/internal/api/validation"

type CreateScanRequest struct {
	Target string `json:"target"`
}

func (r CreateScanRequest) Validate() map[string]string {
	errors := make(map[string]string)
	if ok, msg := validation.ValidateTarget(r.Target); !ok {
		errors["target"] = msg
	}
	return errors
}
