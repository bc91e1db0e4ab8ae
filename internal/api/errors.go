package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-remediate/internal/utils"
)

// httpStatus maps an error kind onto a response status.
func httpStatus(kind utils.ErrorKind) int {
	switch kind {
	case utils.KindValidation:
		return http.StatusBadRequest
	case utils.KindAuthorization:
		return http.StatusUnauthorized
	case utils.KindForbidden:
		return http.StatusForbidden
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindConflict:
		return http.StatusConflict
	case utils.KindRateLimited:
		return http.StatusTooManyRequests
	case utils.KindTransient:
		return http.StatusServiceUnavailable
	case utils.KindRemediation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps an error kind onto a gRPC status code.
func grpcCode(kind utils.ErrorKind) codes.Code {
	switch kind {
	case utils.KindValidation:
		return codes.InvalidArgument
	case utils.KindAuthorization:
		return codes.Unauthenticated
	case utils.KindForbidden:
		return codes.PermissionDenied
	case utils.KindNotFound:
		return codes.NotFound
	case utils.KindConflict, utils.KindRemediation:
		return codes.FailedPrecondition
	case utils.KindRateLimited:
		return codes.ResourceExhausted
	case utils.KindTransient:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// publicMessage hides internal failure detail from callers.
func publicMessage(err error, kind utils.ErrorKind) string {
	if kind == utils.KindInternal {
		return "internal error"
	}
	if appErr, ok := utils.AsAppError(err); ok {
		return appErr.Msg
	}
	return err.Error()
}

func logFailure(logger *slog.Logger, kind utils.ErrorKind, err error) {
	switch kind {
	case utils.KindInternal, utils.KindTransient:
		logger.Error("request failed", slog.String("kind", string(kind)), slog.Any("error", err))
	default:
		logger.Debug("request rejected", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

// abortWithError writes the JSON error body for err and stops the handler chain.
func abortWithError(c *gin.Context, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		c.AbortWithStatus(499)
		return
	}
	kind := utils.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) && kind == utils.KindInternal {
		kind = utils.KindTransient
	}
	logFailure(logger, kind, err)

	body := gin.H{
		"error": publicMessage(err, kind),
		"kind":  string(kind),
	}
	if kind.Retryable() {
		body["retryable"] = true
	}
	if appErr, ok := utils.AsAppError(err); ok {
		for k, v := range appErr.Details {
			body[k] = v
		}
		if appErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(ceilSeconds(appErr.RetryAfter)))
		}
	}
	c.AbortWithStatusJSON(httpStatus(kind), body)
}

// grpcError converts err into a gRPC status error.
func grpcError(logger *slog.Logger, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "request canceled")
	}
	kind := utils.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) && kind == utils.KindInternal {
		kind = utils.KindTransient
	}
	logFailure(logger, kind, err)
	return status.Error(grpcCode(kind), publicMessage(err, kind))
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
