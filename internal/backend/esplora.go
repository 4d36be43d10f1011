package backend

// EsploraBackend implements utxo.Client using the Esplora API
// (blockstream.info). Esplora serves the same REST routes as mempool.space
// but has no WebSocket, so watches fall back to polling.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, opts ...MempoolOption) *EsploraBackend {
	b := &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL, opts...),
	}
	b.wsURL = ""
	return b
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}
