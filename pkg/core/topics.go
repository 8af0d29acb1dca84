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

// Reserved topics handled by the hub itself.
const (
	TopicPing              = "ping"
	TopicPong              = "pong"
	TopicSyncSysTime       = "syncSysTime"
	TopicSyncSysTimeResult = "syncSysTimeResult"
)

// IsReserved reports whether topic is consumed by the hub instead of being
// forwarded to the application.
func IsReserved(topic string) bool {
	switch topic {
	case TopicPing, TopicPong, TopicSyncSysTime:
		return true
	}
	return false
}
