package metrics

import (
	"testing"
	"time"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Exercising the observe helpers must not panic after repeated Init.
	ObservePage("item", 200)
	ObserveItem("new")
	ObserveRetry()
	ObserveChangeEvent("price_change")
	ObserveRun("succeeded", 3*time.Second)
	FetchStarted()
	FetchFinished()
	ObserveHTTPRequest("GET", "/v1/books", 200, 20*time.Millisecond)
}
