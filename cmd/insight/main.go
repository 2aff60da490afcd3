// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command insight assembles token-budgeted LLM contexts from shard data and
// grounds model responses against them.
//
// Usage:
//
//	insight serve --config insight.yaml
//	insight assemble --tenant t1 --shard opp-1 --query "What is at risk?"
//	insight ground --tenant t1 --shard opp-1 --response-file answer.txt
//	insight templates list
//
// Example requests against a running server:
//
//	# Health check
//	curl http://localhost:8090/v1/insight/health
//
//	# Assemble a context
//	curl -X POST http://localhost:8090/v1/insight/context \
//	  -H "Content-Type: application/json" \
//	  -d '{"scope": {"tenant_id": "t1", "shard_id": "opp-1"}, "query": "What is at risk?"}'
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
