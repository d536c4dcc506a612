package api

import (
	"net/http"
	"time"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/scenario"
)

const (
	// maxSuiteBytes bounds the size of a suites request body.
	maxSuiteBytes = 1 << 20
	// suiteTimeout bounds every request, suite runs included.
	suiteTimeout = 10 * time.Minute
)

// runSuites runs the suites of the YAML or JSON body, each one against a
// new poll, and returns their results. Step failures are part of the
// results, only invalid suites are rejected.
// POST /suites
func (a *API) runSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := scenario.Load(http.MaxBytesReader(w, r.Body, maxSuiteBytes))
	if err != nil {
		ErrInvalidSuite.WithErr(err).Write(w)
		return
	}
	results, err := a.engine.ExecuteAll(r.Context(), suites)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	resp := &SuiteResults{Passed: true, Results: results}
	for _, res := range results {
		resp.Passed = resp.Passed && res.Passed()
	}
	log.Infow("suites run over API", "suites", len(results), "passed", resp.Passed)
	httpWriteJSON(w, resp)
}
