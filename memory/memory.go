package memory

import (
	"errors"

	bufferpkg "github.com/Protocol-Lattice/npc-memory/memory/buffer"
	"github.com/Protocol-Lattice/npc-memory/memory/config"
	coordinatorpkg "github.com/Protocol-Lattice/npc-memory/memory/coordinator"
	embedpkg "github.com/Protocol-Lattice/npc-memory/memory/embed"
	indexpkg "github.com/Protocol-Lattice/npc-memory/memory/index"
	"github.com/Protocol-Lattice/npc-memory/memory/model"
	recentpkg "github.com/Protocol-Lattice/npc-memory/memory/recent"
)

// ErrValidationFailure is returned on schema/type mismatches; no lower
// tier raises it today, it exists for a transport layer translating
// request bodies.
var ErrValidationFailure = errors.New("npc-memory: validation failure")

// Type aliases preserving one public surface over the tier packages.
type (
	Entry = model.Entry

	Embedder      = embedpkg.Embedder
	DummyEmbedder = embedpkg.DummyEmbedder
	EmbedEngine   = embedpkg.Engine
	EmbedStatus   = embedpkg.Status
	EmbedBackend  = embedpkg.Backend

	Index         = indexpkg.Index
	Scored        = indexpkg.Scored
	LocalStore    = indexpkg.LocalStore
	PostgresStore = indexpkg.PostgresStore

	RecentTier = recentpkg.Tier
	BufferTier = bufferpkg.Tier
	AddStatus  = bufferpkg.AddStatus

	Coordinator      = coordinatorpkg.Coordinator
	Location         = coordinatorpkg.Location
	AddResult        = coordinatorpkg.AddResult
	Context          = coordinatorpkg.Context
	ClearResult      = coordinatorpkg.ClearResult
	CharacterSummary = coordinatorpkg.CharacterSummary
	ExportedEntry    = coordinatorpkg.ExportedEntry
	ImportRequest    = coordinatorpkg.ImportRequest
	ImportFailure    = coordinatorpkg.ImportFailure

	Options   = config.Options
	Lifecycle = config.Lifecycle
)

const (
	StatusUninitialized = embedpkg.StatusUninitialized
	StatusLoading       = embedpkg.StatusLoading
	StatusReady         = embedpkg.StatusReady
	StatusFailed        = embedpkg.StatusFailed

	BackendAuto  = embedpkg.BackendAuto
	BackendCPU   = embedpkg.BackendCPU
	BackendCUDA  = embedpkg.BackendCUDA
	BackendMetal = embedpkg.BackendMetal

	Appended = bufferpkg.Appended
	Embedded = bufferpkg.Embedded

	LocationRecent   = coordinatorpkg.LocationRecent
	LocationBuffer   = coordinatorpkg.LocationBuffer
	LocationLongterm = coordinatorpkg.LocationLongterm
	LocationNone     = coordinatorpkg.LocationNone
)

var (
	ErrEmptyContent         = coordinatorpkg.ErrEmptyContent
	ErrNotFound             = coordinatorpkg.ErrNotFound
	ErrEmbeddingUnavailable = embedpkg.ErrUnavailable
	ErrStorageFailure       = indexpkg.ErrStorageFailure

	NewEntry = model.NewEntry

	SharedEmbedEngine = embedpkg.Shared
	NewEmbedEngine    = embedpkg.NewEngine
	DummyEmbedding    = embedpkg.DummyEmbedding

	NewLocalStore    = indexpkg.NewLocalStore
	NewPostgresStore = indexpkg.NewPostgresStore
	CollectionName   = indexpkg.CollectionName

	NewRecentTier = recentpkg.New
	NewBufferTier = bufferpkg.New

	NewCoordinator = coordinatorpkg.New
	NewLifecycle   = config.NewLifecycle
	DefaultOptions = config.Defaults
)
