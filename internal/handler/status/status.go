package status

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"tradeledger/internal/model"
	"tradeledger/internal/service"
	"tradeledger/pkg/response"
)

// Provider 由 service.Pipeline 实现
type Provider interface {
	Status() service.Status
}

type Handler struct {
	p Provider
}

func NewHandler(p Provider) *Handler {
	return &Handler{p: p}
}

type lastCycle struct {
	ID       string      `json:"id"`
	Origin   string      `json:"origin"`
	Stats    model.Stats `json:"stats"`
	Rejected int         `json:"rejected"`
	At       time.Time   `json:"at"`
	Error    string      `json:"error,omitempty"`
}

type ledgerStatus struct {
	State      service.State `json:"state"`
	Checkpoint *time.Time    `json:"checkpoint"`
	LastCycle  *lastCycle    `json:"last_cycle"`
}

var errSyncDisabled = errors.New("trade sync is disabled")

// LedgerStatusGet 返回调度状态、水位以及最近一次对账结果
func (h *Handler) LedgerStatusGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.p == nil {
			response.JSON(c, errSyncDisabled, nil)
			return
		}
		st := h.p.Status()
		out := ledgerStatus{State: st.State, Checkpoint: st.Checkpoint}
		if lc := st.LastCycle; lc != nil {
			out.LastCycle = &lastCycle{
				ID:       lc.ID,
				Origin:   lc.Origin,
				Stats:    lc.Stats,
				Rejected: lc.Stats.Rejected,
				At:       lc.FinishedAt,
				Error:    lc.Error,
			}
		}
		response.JSON(c, nil, out)
	}
}
