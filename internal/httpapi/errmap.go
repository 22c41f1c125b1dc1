package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/xiebiao/tracseq-core/pkg/errors"
	"github.com/xiebiao/tracseq-core/pkg/sagacore"
)

// kindStatus maps an AppError Kind to the HTTP status a caller should see.
var kindStatus = map[apperrors.Kind]int{
	apperrors.KindValidation:          http.StatusBadRequest,
	apperrors.KindAuth:                http.StatusUnauthorized,
	apperrors.KindNotFound:            http.StatusNotFound,
	apperrors.KindConflict:            http.StatusConflict,
	apperrors.KindUpstreamUnavailable: http.StatusServiceUnavailable,
	apperrors.KindPersistence:         http.StatusInternalServerError,
	apperrors.KindEventBus:            http.StatusInternalServerError,
	apperrors.KindCompensation:        http.StatusInternalServerError,
	apperrors.KindInvariant:           http.StatusInternalServerError,
}

// sagaErrKind classifies the sagacore sentinel errors that Execute/Resume/
// Pause/Cancel/GetStatus surface directly, before falling back to
// apperrors.GetAppError for anything already wrapped as an AppError.
func sagaErrKind(err error) apperrors.Kind {
	switch {
	case errors.Is(err, sagacore.ErrNotFound):
		return apperrors.KindNotFound
	case errors.Is(err, sagacore.ErrIllegalTransition):
		return apperrors.KindConflict
	case errors.Is(err, sagacore.ErrAlreadyApplied):
		return apperrors.KindConflict
	default:
		var invErr *sagacore.InvariantError
		if errors.As(err, &invErr) {
			return apperrors.KindInvariant
		}
		return ""
	}
}

// writeError maps err to the appropriate HTTP status and standard envelope.
func writeError(c *gin.Context, err error) {
	if kind := sagaErrKind(err); kind != "" {
		appErr := apperrors.New(kind, err.Error())
		c.JSON(kindStatus[kind], Failure(statusCode(kind), appErr.Message))
		return
	}

	appErr := apperrors.GetAppError(err)
	status, ok := kindStatus[appErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Failure(statusCode(appErr.Kind), appErr.Message))
}

// statusCode turns a Kind into a small stable integer for Response.Code,
// independent of the HTTP status (which a proxy or client library might
// otherwise normalize away).
func statusCode(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return 1
	case apperrors.KindAuth:
		return 2
	case apperrors.KindNotFound:
		return 3
	case apperrors.KindConflict:
		return 4
	case apperrors.KindUpstreamUnavailable:
		return 5
	case apperrors.KindPersistence:
		return 6
	case apperrors.KindEventBus:
		return 7
	case apperrors.KindCompensation:
		return 8
	case apperrors.KindInvariant:
		return 9
	default:
		return 99
	}
}
