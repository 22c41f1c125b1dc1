package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiebiao/tracseq-core/pkg/sagacore"
)

// createTransactionHandler starts a new saga of the named, previously
// registered type. The saga runs to completion asynchronously — the
// response is the saga id and its initial status; GET /transactions/{id}
// polls for progress.
//
// @Summary		Start a distributed transaction
// @Tags		transactions
// @Accept		json
// @Produce		json
// @Param		request	body		CreateTransactionRequest	true	"transaction parameters"
// @Success		202	{object}	Response{data=TransactionResponse}
// @Router		/transactions [post]
func (s *Server) createTransactionHandler(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Failure(1, err.Error()))
		return
	}

	def, ok := s.executor.Definition(req.SagaName)
	if !ok {
		c.JSON(http.StatusNotFound, Failure(3, "no saga definition registered for "+req.SagaName))
		return
	}

	builder := sagacore.NewBuilder(req.SagaName).
		WithTransactionContext(req.TransactionID, req.UserID, req.CorrelationID)
	for k, v := range req.Metadata {
		builder = builder.WithMetadata(k, v)
	}
	if req.TimeoutMs > 0 {
		builder = builder.WithTimeout(time.Duration(req.TimeoutMs) * time.Millisecond)
	}
	if req.MaxRetries > 0 {
		builder = builder.WithMaxRetries(req.MaxRetries)
	}
	for _, step := range def.Steps {
		builder = builder.AddStep(step)
	}
	for _, comp := range def.Compensations {
		builder = builder.AddCompensation(comp)
	}

	saga := builder.Build()
	for k, v := range req.Input {
		saga.CustomData[k] = v
	}

	go func() {
		if _, err := s.executor.Execute(context.Background(), saga); err != nil {
			s.logger.Printf("httpapi: saga %s execution ended with error: %v", saga.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, Success(TransactionResponse{SagaID: saga.ID, Status: string(sagacore.StateExecuting)}))
}

// getTransactionHandler returns the persisted status snapshot for a saga.
//
// @Summary		Get transaction status
// @Tags		transactions
// @Produce		json
// @Param		id	path		string	true	"saga id"
// @Success		200	{object}	Response{data=TransactionStatusResponse}
// @Router		/transactions/{id} [get]
func (s *Server) getTransactionHandler(c *gin.Context) {
	id := c.Param("id")
	saga, err := s.executor.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Success(toStatusResponse(saga)))
}

// pauseTransactionHandler requests that an Executing saga halt after its
// in-flight step.
//
// @Summary		Pause a transaction
// @Tags		transactions
// @Produce		json
// @Param		id	path		string	true	"saga id"
// @Success		200	{object}	Response{data=TransactionStatusResponse}
// @Router		/transactions/{id}/pause [post]
func (s *Server) pauseTransactionHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.executor.Pause(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	saga, err := s.executor.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Success(toStatusResponse(saga)))
}

// resumeTransactionHandler re-enters the step loop for a Paused saga.
// Resumption runs asynchronously, like creation.
//
// @Summary		Resume a paused transaction
// @Tags		transactions
// @Produce		json
// @Param		id	path		string	true	"saga id"
// @Success		202	{object}	Response{data=TransactionResponse}
// @Router		/transactions/{id}/resume [post]
func (s *Server) resumeTransactionHandler(c *gin.Context) {
	id := c.Param("id")
	saga, err := s.executor.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if saga.State != sagacore.StatePaused {
		writeError(c, sagacore.ErrIllegalTransition)
		return
	}

	go func() {
		if _, err := s.executor.Resume(context.Background(), id); err != nil {
			s.logger.Printf("httpapi: saga %s resume ended with error: %v", id, err)
		}
	}()

	c.JSON(http.StatusAccepted, Success(TransactionResponse{SagaID: id, Status: string(sagacore.StateExecuting)}))
}

// cancelTransactionHandler requests cancellation of a non-terminal saga.
// A saga mid-compensation is left to finish; Cancel only takes effect for
// Created, Executing, or Paused sagas (sagacore's own documented rule).
//
// @Summary		Cancel a transaction
// @Tags		transactions
// @Accept		json
// @Produce		json
// @Param		id		path		string						true	"saga id"
// @Param		request	body		CancelTransactionRequest	false	"cancellation reason"
// @Success		200	{object}	Response{data=TransactionStatusResponse}
// @Router		/transactions/{id}/cancel [post]
func (s *Server) cancelTransactionHandler(c *gin.Context) {
	id := c.Param("id")
	var req CancelTransactionRequest
	_ = c.ShouldBindJSON(&req)

	saga, err := s.executor.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Success(toStatusResponse(saga)))
}

func toStatusResponse(s *sagacore.Saga) TransactionStatusResponse {
	resp := TransactionStatusResponse{
		SagaID:             s.ID,
		Name:               s.Name,
		State:              string(s.State),
		CompletedSteps:     s.CompletedSteps,
		TotalSteps:         s.TotalSteps,
		CurrentStepName:    s.CurrentStepName,
		FailedStepName:     s.FailedStepName,
		RetryCount:         s.RetryCount,
		CompensationErrors: s.CompensationErrors,
		CreatedAt:          s.CreatedAt,
		StartedAt:          s.StartedAt,
		CompletedAt:        s.CompletedAt,
	}
	if s.TotalSteps > 0 {
		resp.ProgressPercent = float64(s.CompletedSteps) / float64(s.TotalSteps) * 100
	}
	return resp
}
