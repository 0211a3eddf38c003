// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-horus-sync - Offline-First Synchronization Engine")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("go-horus-sync keeps a local SQLite mirror of server-owned entities:")
	fmt.Println("local writes apply immediately and queue durable sync actions, a push")
	fmt.Println("synchronizer drains the queue with retry and exclusivity guarantees,")
	fmt.Println("and a reconciliation pass detects and self-heals drift via hash trees.")
	fmt.Println()
	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  horus/       Sync contract: wire models, attribute hasher,")
	fmt.Println("               tri-state results, HTTP remote service client")
	fmt.Println("  horusqlite/  SQLite client engine: action log, store adapter,")
	fmt.Println("               push/reconciliation synchronizers, task pipeline")
	fmt.Println()
	fmt.Println("Demo CLI:")
	fmt.Println()
	fmt.Println("  go run ./cmd/horus-demo --db app.db --server-url http://localhost:8080 --token <jwt>")
	fmt.Println()
}
