package health

import (
	"io"
	"net/http"

	"github.com/devblac/chainpipe/internal/codec"
	"github.com/devblac/chainpipe/internal/pipeline"
	"github.com/devblac/chainpipe/internal/prefilter"
)

const maxFilterBody = 1 << 20

// FilterAPI lets operators replace a pipeline's prefilter without a restart.
type FilterAPI struct {
	pipelines map[string]*pipeline.Pipeline
	onChange  func(id string, spec prefilter.Spec)
}

// NewFilterAPI exposes the given pipelines. onChange may be nil.
func NewFilterAPI(pipelines []*pipeline.Pipeline, onChange func(id string, spec prefilter.Spec)) *FilterAPI {
	m := make(map[string]*pipeline.Pipeline, len(pipelines))
	for _, p := range pipelines {
		m[p.ID()] = p
	}
	return &FilterAPI{pipelines: m, onChange: onChange}
}

func (f *FilterAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /filters", f.list)
	mux.HandleFunc("GET /filters/{id}", f.get)
	mux.HandleFunc("PUT /filters/{id}", f.put)
}

func (f *FilterAPI) list(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]prefilter.Spec, len(f.pipelines))
	for id, p := range f.pipelines {
		out[id] = p.Prefilter().Load().Spec()
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *FilterAPI) get(w http.ResponseWriter, r *http.Request) {
	p, ok := f.pipelines[r.PathValue("id")]
	if !ok {
		http.Error(w, "unknown pipeline", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p.Prefilter().Load().Spec())
}

func (f *FilterAPI) put(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := f.pipelines[id]
	if !ok {
		http.Error(w, "unknown pipeline", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFilterBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var spec prefilter.Spec
	if err := codec.Unmarshal(body, &spec); err != nil {
		http.Error(w, "invalid filter: "+err.Error(), http.StatusBadRequest)
		return
	}
	p.Prefilter().Store(spec.Build())
	if f.onChange != nil {
		f.onChange(id, spec)
	}
	writeJSON(w, http.StatusOK, p.Prefilter().Load().Spec())
}
