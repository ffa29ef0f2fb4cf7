package api

import (
	"net/http"

	"go.uber.org/zap"
)

func (a *API) healthCheckHandler(rw http.ResponseWriter, _ *http.Request) {
	states, failed, err := a.deps.Health.State()
	if err != nil {
		a.log.Error("unable to fetch health state", zap.String("method", "healthCheckHandler"), zap.Error(err))
		a.writeError(rw, http.StatusInternalServerError, "unable to fetch health state")
		return
	}

	status := http.StatusOK
	if failed {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(rw, states, status)
}

func (a *API) versionHandler(rw http.ResponseWriter, _ *http.Request) {
	WriteJSON(rw, ResponseJSON{
		Status:  http.StatusOK,
		Message: "songsync " + a.version,
		Values:  map[string]string{"version": a.version, "env": a.config.EnvName},
	}, http.StatusOK)
}

func (a *API) statsHandler(rw http.ResponseWriter, _ *http.Request) {
	snapshot, ok := a.deps.Runner.Current()
	if !ok {
		a.writeError(rw, http.StatusNotFound, "no job has run yet")
		return
	}

	WriteJSON(rw, snapshot, http.StatusOK)
}

func (a *API) progressHandler(rw http.ResponseWriter, r *http.Request) {
	rec, err := a.deps.Runner.Progress(r.Context())
	if err != nil {
		a.writeError(rw, http.StatusNotFound, err.Error())
		return
	}

	WriteJSON(rw, rec, http.StatusOK)
}
