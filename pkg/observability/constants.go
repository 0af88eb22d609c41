// Copyright 2025 OLAV Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

const (
	AttrToolName     = "tool.name"
	AttrWorkflowKind = "workflow.kind"
	AttrNodeName     = "workflow.node"
	AttrThreadID     = "thread.id"
	AttrJobID        = "job.id"
	AttrDeviceName   = "device.name"
	AttrOutcome      = "outcome"
	AttrErrorKind    = "error.kind"
	AttrStatusCode   = "http.status_code"

	SpanToolInvocation = "olav.tool_invocation"
	SpanWorkflowNode   = "olav.workflow_node"
	SpanFanOutBatch    = "olav.fanout_batch"
	SpanJobRun         = "olav.job_run"
	SpanRetrieval      = "olav.knowledge_retrieval"

	DefaultServiceName = "olav"
)
