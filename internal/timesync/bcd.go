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

package timesync

import "fmt"

func toBCD(v int) (byte, error) {
	if v < 0 || v > 99 {
		return 0, fmt.Errorf("value %d out of BCD range", v)
	}
	return byte(v/10<<4 | v%10), nil
}

func fromBCD(b byte) (int, error) {
	hi, lo := int(b>>4), int(b&0x0f)
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("invalid BCD byte 0x%02x", b)
	}
	return hi*10 + lo, nil
}

// decodeHour handles both the 24h and the 12h (bit 6 set) register layout.
func decodeHour(raw byte) (int, error) {
	if raw&0x40 == 0 {
		return fromBCD(raw & 0x3f)
	}
	h12, err := fromBCD(raw & 0x1f)
	if err != nil {
		return 0, err
	}
	h24 := h12
	if h12 == 12 {
		h24 = 0
	}
	if raw&0x20 != 0 {
		h24 = (h24 + 12) % 24
	}
	return h24, nil
}
