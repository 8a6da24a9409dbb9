package engine

import (
	"github.com/ficreative/seo-batch-engine/internal/config"
	"github.com/ficreative/seo-batch-engine/internal/generator"
	"github.com/ficreative/seo-batch-engine/internal/lock"
	"github.com/ficreative/seo-batch-engine/internal/logging"
	"github.com/ficreative/seo-batch-engine/internal/queue"
	"github.com/ficreative/seo-batch-engine/internal/store"
	"github.com/ficreative/seo-batch-engine/internal/storeapi"
)

// Deps bundles the collaborators every engine component needs. It is
// assembled once per worker process and passed by value (it only holds
// pointers/interfaces) into the Dispatcher and each phase runner.
type Deps struct {
	Store     store.JobStore
	Lock      *lock.KVLock
	Broker    *queue.Broker
	Generator *generator.Client
	StoreAPI  *storeapi.Client
	Logger    logging.Logger
	Config    config.Config
	WorkerID  string
}
