package orchestrator

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
)

// HTTPService serves a plaintext listing of running and recently finished
// stage runs, intended for debugging.
type HTTPService struct {
	orchestrator *Orchestrator
	logger       *zap.Logger
}

func NewHTTPService(orchestrator *Orchestrator) *HTTPService {
	return &HTTPService{
		orchestrator: orchestrator,
		logger:       orchestrator.logger.Named("http_service"),
	}
}

func (h *HTTPService) RegisterHandlers(mux *http.ServeMux, endpoint string) {
	mux.HandleFunc(endpoint, h.HandlerListFunc)
}

func (h *HTTPService) HandlerListFunc(respWr http.ResponseWriter, _ *http.Request) {
	respWr.Header().Set("Content-Type", "text/plain; charset=utf-8")

	tw := tabwriter.NewWriter(respWr, 0, 8, 2, ' ', 0)

	fmt.Fprintln(tw, "TRACKED PULL REQUESTS")
	fmt.Fprintln(tw, "REPOSITORY\tPR\tCOMMIT\tSTATE")
	for _, pr := range h.orchestrator.trackedPRs() {
		state := pr.State
		if state == "" {
			state = "unevaluated"
		}

		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			pr.Repository, pr.PullRequestNr, pr.HeadSHA, state,
		)
	}

	fmt.Fprintln(tw, "")
	fmt.Fprintln(tw, "RUNNING STAGE RUNS")
	fmt.Fprintln(tw, "REPOSITORY\tPR\tSTAGE\tCOMMIT\tSTARTED")
	for _, run := range h.orchestrator.runs.Running() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			run.Repository, run.PullRequestNr, run.Stage, run.HeadSHA,
			run.StartedAt.Format(time.RFC3339),
		)
	}

	fmt.Fprintln(tw, "")
	fmt.Fprintln(tw, "FINISHED STAGE RUNS")
	fmt.Fprintln(tw, "REPOSITORY\tPR\tSTAGE\tCOMMIT\tSTATUS\tFINISHED")
	for _, run := range h.orchestrator.runs.History() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			run.Repository, run.PullRequestNr, run.Stage, run.HeadSHA,
			run.Status, run.CompletedAt.Format(time.RFC3339),
		)
	}

	if err := tw.Flush(); err != nil {
		h.logger.Info("writing stage run listing failed", zap.Error(err))
	}
}
