// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import "github.com/npat-efault/crc16"

// CRC-16/MODBUS: polynomial 0x8005 reflected, initial value 0xFFFF
var crcConfig = &crc16.Conf{
	Poly:   0x8005,
	BitRev: true,
	IniVal: 0xFFFF,
	FinVal: 0x0000,
	BigEnd: false,
}

// CalculateCRC computes the CRC-16/MODBUS checksum for the given data
func CalculateCRC(data []byte) uint16 {
	return crc16.Checksum(crcConfig, data)
}

// appendCRC appends the checksum of frame, high byte first
func appendCRC(frame []byte) []byte {
	crc := CalculateCRC(frame)
	return append(frame, byte(crc>>8), byte(crc&0xFF))
}
