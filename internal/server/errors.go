package server

import (
	"errors"

	"github.com/amoylab/wshub/internal/common/errorx"
	"github.com/amoylab/wshub/internal/hub"
	"github.com/amoylab/wshub/pkg/protocol"
)

// mapHubError translates hub and protocol errors into API errors
func mapHubError(err error) *errorx.APIError {
	var capErr *hub.CapacityError
	switch {
	case errors.As(err, &capErr):
		return errorx.ErrCapacityExceeded.
			WithDetail("reason", string(capErr.Reason)).
			WithDetail("limit", capErr.Limit)
	case errors.Is(err, hub.ErrConnectionNotFound):
		return errorx.ErrConnectionNotFound
	case errors.Is(err, hub.ErrServiceClosed):
		return errorx.ErrServiceUnavailable
	case errors.Is(err, protocol.ErrSerialization):
		return errorx.ErrInvalidMessage.WithDetail("reason", err.Error())
	}
	return nil
}
