package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// statsHandler reports publish/consume/failure counters and the saga and
// breaker summaries spec §6 asks for, read directly from the Prometheus
// registry instead of a second set of counters.
//
// @Summary		Runtime statistics
// @Tags		ops
// @Produce		json
// @Success		200	{object}	Response{data=StatsResponse}
// @Router		/stats [get]
func (s *Server) statsHandler(c *gin.Context) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		writeError(c, err)
		return
	}

	resp := StatsResponse{SagasByResult: map[string]float64{}}

	for _, fam := range families {
		switch fam.GetName() {
		case "messages_published_total":
			resp.MessagesPublished = sumCounter(fam)
		case "messages_consumed_total":
			resp.MessagesConsumed = sumCounterByLabel(fam, "result", "success")
			resp.MessagesFailed = sumCounterByLabel(fam, "result", "failure")
		case "saga_executions_total":
			for _, m := range fam.GetMetric() {
				resp.SagasByResult[labelValue(m, "result")] += m.GetCounter().GetValue()
			}
		}
	}

	for name, cb := range s.breakers.GetAll() {
		snap := cb.Snapshot()
		resp.Breakers = append(resp.Breakers, BreakerStats{
			Name:             name,
			State:            snap.State.String(),
			TotalSuccesses:   snap.TotalSuccesses,
			TotalFailures:    snap.TotalFailures,
			TotalRejections:  snap.TotalRejections,
			ConsecutiveFails: snap.ConsecutiveFails,
		})
	}

	c.JSON(200, Success(resp))
}

func sumCounter(fam *dto.MetricFamily) float64 {
	var total float64
	for _, m := range fam.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func sumCounterByLabel(fam *dto.MetricFamily, label, value string) float64 {
	var total float64
	for _, m := range fam.GetMetric() {
		if labelValue(m, label) == value {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
