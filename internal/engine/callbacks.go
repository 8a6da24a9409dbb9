package engine

import (
	"github.com/ficreative/seo-batch-engine/internal/storeapi"
	"github.com/ficreative/seo-batch-engine/internal/telemetry"
)

// storeAPICallbacks wires StoreAPI retry/throttle narration into the shared
// throttle-wait histogram; the generate phase uses it for its StoreAPI
// reads. publish.go builds its own Callbacks that also carry item/job
// narration.
func storeAPICallbacks(deps Deps) storeapi.Callbacks {
	return storeapi.Callbacks{
		OnThrottle: func(waitMs int64, status storeapi.ThrottleStatus) {
			telemetry.ThrottleWaitMs.Observe(float64(waitMs))
		},
	}
}
