// Copyright 2025 Poiesic Systems
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


// Package search provides hybrid search over processed documents.
//
// The Searcher combines three signals:
//   - Semantic similarity between the query and each document's vector
//   - Tag matches between query words and the tags assigned during analysis
//   - Verbatim keyword matching against title, summary and tags, with
//     stop-word filtering
//
// Documents found by both similarity and tags rank highest.
package search
