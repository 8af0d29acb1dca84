// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package core

import "errors"

var (
	ErrUnknownTarget       = errors.New("unknown target connection")
	ErrConnectionCongested = errors.New("connection outbound queue full")
	ErrQueueFull           = errors.New("hub queue full")
	ErrHubStopped          = errors.New("hub stopped")
	ErrTooManyConnections  = errors.New("connection limit reached")
	ErrCapabilityMissing   = errors.New("capability not compiled in")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrClockUnsupported    = errors.New("clock sync only supported on Linux")
	ErrConnectorStopped    = errors.New("connector stopped")
)
