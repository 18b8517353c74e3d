// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the Trust Gate service.
//
// Trust Gate mediates AI agent tool use:
// - Authorizes tool calls against invocation policies and trust state
// - Classifies tool results before they re-enter the conversation
// - Quarantines untrusted content through the dual-LLM sanitizer
// - Records sanitization runs and trust transitions for audit
//
// Usage:
//
//	./trustgate [-config path/to/config.yaml]
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8086)
//	DATABASE_URL - PostgreSQL connection string (empty = memory mode)
//	REDIS_URL - Redis URL for distributed trust state (empty = in-process)
//	JWT_SECRET - Secret for JWT token validation (empty = disabled)
//	AWS_REGION - Region for Bedrock sanitizer models
package main

import (
	"flag"
	"log"

	"axonflow/trustgate/common/config"
	"axonflow/trustgate/trust"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := trust.Run(cfg); err != nil {
		log.Fatalf("Trust Gate exited: %v", err)
	}
}
