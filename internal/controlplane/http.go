package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// mutationRequest is the uniform envelope for every control-plane operation
// exposed over HTTP: which op, and its named string arguments.
type mutationRequest struct {
	Op   string            `json:"op"`
	Args map[string]string `json:"args"`
}

// HTTPHandler exposes every mutating control-plane operation over a single
// POST endpoint so an operator or test harness can drive the control plane
// without an in-process Go reference to it. GetHandle, which returns an
// in-process client, is not exposed. It never touches the data plane directly.
func HTTPHandler(cp *ControlPlane) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req mutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}

		var err error
		switch req.Op {
		case "create_backend":
			err = cp.CreateBackend(req.Args["tag"])
		case "create_service":
			err = cp.createServiceFromArgs(req.Args)
		case "link_service":
			err = cp.LinkService(req.Args["service"], req.Args["backend_tag"])
		case "create_pipeline":
			err = cp.CreatePipeline(req.Args["pipeline"])
		case "add_service":
			err = cp.AddService(req.Args["pipeline"], req.Args["service"])
		case "add_service_dependencies":
			err = cp.AddServiceDependencies(req.Args["pipeline"], req.Args["src"], req.Args["dst"])
		case "provision_pipeline":
			err = cp.ProvisionPipeline(r.Context(), req.Args["pipeline"])
		case "register_endpoint":
			err = cp.RegisterEndpoint(req.Args["path"], req.Args["pipeline"])
		default:
			writeErr(w, http.StatusBadRequest, errUnknownOp(req.Op))
			return
		}

		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (cp *ControlPlane) createServiceFromArgs(args map[string]string) error {
	n, err := strconv.Atoi(args["max_batch_size"])
	if err != nil {
		return fmt.Errorf("invalid max_batch_size: %w", err)
	}
	return cp.CreateService(args["service"], n)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func errUnknownOp(op string) error {
	return fmt.Errorf("unknown control-plane operation: %s", op)
}
