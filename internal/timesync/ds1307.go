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

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DS1307 talks to the RTC through the i2c-tools binaries.
type DS1307 struct {
	Bus  int
	Addr uint8
	// Run is used for i2cset; Read uses ReadRun when set, since i2cget
	// usually does not need elevated rights.
	Run     CommandRunner
	ReadRun CommandRunner
}

// BusFromPath extracts N from an "/dev/i2c-N" device path.
func BusFromPath(path string) (int, error) {
	i := strings.LastIndex(path, "i2c-")
	if i < 0 {
		return 0, fmt.Errorf("invalid i2c device path: %s", path)
	}
	bus, err := strconv.Atoi(path[i+len("i2c-"):])
	if err != nil || bus < 0 {
		return 0, fmt.Errorf("invalid i2c device path: %s", path)
	}
	return bus, nil
}

func NewDS1307(devPath string, addr uint8, run, readRun CommandRunner) (*DS1307, error) {
	bus, err := BusFromPath(devPath)
	if err != nil {
		return nil, err
	}
	return &DS1307{Bus: bus, Addr: addr, Run: run, ReadRun: readRun}, nil
}

// Encode returns the seven time registers starting at 0x00, with the clock
// halt bit cleared and the hour in 24h mode.
func Encode(t time.Time) ([7]byte, error) {
	var regs [7]byte
	year := t.Year() - 2000
	if year < 0 || year > 99 {
		return regs, fmt.Errorf("year %d outside RTC range 2000-2099", t.Year())
	}
	fields := []int{t.Second(), t.Minute(), t.Hour(), int(t.Weekday()) + 1, t.Day(), int(t.Month()), year}
	for i, v := range fields {
		b, err := toBCD(v)
		if err != nil {
			return regs, err
		}
		regs[i] = b
	}
	regs[0] &= 0x7f
	regs[2] &= 0x3f
	return regs, nil
}

// Decode turns the seven time registers into a local time.
func Decode(regs [7]byte, loc *time.Location) (time.Time, error) {
	sec, err := fromBCD(regs[0] & 0x7f)
	if err != nil {
		return time.Time{}, err
	}
	minute, err := fromBCD(regs[1] & 0x7f)
	if err != nil {
		return time.Time{}, err
	}
	hour, err := decodeHour(regs[2])
	if err != nil {
		return time.Time{}, err
	}
	day, err := fromBCD(regs[4] & 0x3f)
	if err != nil {
		return time.Time{}, err
	}
	month, err := fromBCD(regs[5] & 0x1f)
	if err != nil {
		return time.Time{}, err
	}
	year, err := fromBCD(regs[6])
	if err != nil {
		return time.Time{}, err
	}

	switch {
	case day < 1 || day > 31:
		return time.Time{}, fmt.Errorf("invalid day from RTC: %d", day)
	case month < 1 || month > 12:
		return time.Time{}, fmt.Errorf("invalid month from RTC: %d", month)
	case hour > 23:
		return time.Time{}, fmt.Errorf("invalid hour from RTC: %d", hour)
	case minute > 59:
		return time.Time{}, fmt.Errorf("invalid minute from RTC: %d", minute)
	case sec > 59:
		return time.Time{}, fmt.Errorf("invalid second from RTC: %d", sec)
	}
	return time.Date(2000+year, time.Month(month), day, hour, minute, sec, 0, loc), nil
}

func (d *DS1307) Write(ctx context.Context, t time.Time) error {
	regs, err := Encode(t)
	if err != nil {
		return err
	}
	args := []string{"-y", strconv.Itoa(d.Bus), fmt.Sprintf("0x%02x", d.Addr), "0x00"}
	for _, b := range regs {
		args = append(args, fmt.Sprintf("0x%02x", b))
	}
	args = append(args, "i")
	if _, err := d.Run(ctx, "i2cset", args...); err != nil {
		return fmt.Errorf("write rtc: %w", err)
	}
	return nil
}

func (d *DS1307) Read(ctx context.Context) (time.Time, error) {
	run := d.ReadRun
	if run == nil {
		run = d.Run
	}
	var regs [7]byte
	for reg := range regs {
		out, err := run(ctx, "i2cget", "-y", strconv.Itoa(d.Bus), fmt.Sprintf("0x%02x", d.Addr), fmt.Sprintf("0x%02x", reg))
		if err != nil {
			return time.Time{}, fmt.Errorf("read rtc register 0x%02x: %w", reg, err)
		}
		s := strings.TrimSpace(string(out))
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		v, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid i2cget output for register 0x%02x: %q", reg, out)
		}
		regs[reg] = byte(v)
	}
	return Decode(regs, time.Local)
}
