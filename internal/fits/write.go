// Copyright (C) 2026 The Skylign Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package fits

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
)

// Writes an in-memory FITS image to a file with given filename.
// Creates/overwrites the file if necessary
func (f *Image) WriteFile(fileName string) error {
	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	return f.Write(file)
}

// Writes an in-memory FITS image to an io.Writer. Data is written as 32-bit
// floating point in network byte order; NaN values are kept as they denote
// masked pixels per the standard
func (f *Image) Write(w io.Writer) error {
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "    FITS standard 4.0")
	writeInt32(&sb, "BITPIX", -32, "    32-bit floating point")
	writeInt32(&sb, "NAXIS", int32(len(f.Naxisn)), "[1] Number of axis")
	for i := 0; i < len(f.Naxisn); i++ {
		writeInt32(&sb, fmt.Sprintf("NAXIS%d", i+1), f.Naxisn[i], "[1] Axis size")
	}
	writeFloat32(&sb, "BZERO", f.Bzero, "[1] Zero offset")
	writeFloat32(&sb, "BSCALE", f.Bscale, "[1] Value scaler")
	if f.Exposure != 0 {
		writeFloat32(&sb, "EXPTIME", f.Exposure, "[s] Exposure duration")
	}
	if _, ok := f.Header.Strings["FILTER"]; !ok && f.Filter != "" {
		writeString(&sb, "FILTER", f.Filter, "Filter name")
	}

	// remaining header entries retained from the original file, in sorted
	// order so output is deterministic
	for _, key := range sortedKeys(f.Header.Bools) {
		writeBool(&sb, key, f.Header.Bools[key], "")
	}
	for _, key := range sortedKeys(f.Header.Ints) {
		writeInt32(&sb, key, f.Header.Ints[key], "")
	}
	for _, key := range sortedKeys(f.Header.Floats) {
		writeFloat32(&sb, key, f.Header.Floats[key], "")
	}
	for _, key := range sortedKeys(f.Header.Strings) {
		writeString(&sb, key, f.Header.Strings[key], "")
	}
	for _, key := range sortedKeys(f.Header.Dates) {
		writeString(&sb, key, f.Header.Dates[key], "")
	}
	for _, comment := range f.Header.Comments {
		writeHeaderLine(&sb, "COMMENT "+comment)
	}
	for _, history := range f.Header.History {
		writeHeaderLine(&sb, "HISTORY "+history)
	}
	writeEnd(&sb)

	// pad current header block with spaces if necessary
	bytesInHeaderBlock := (sb.Len() % fitsBlockSize)
	if bytesInHeaderBlock > 0 {
		for i := bytesInHeaderBlock; i < fitsBlockSize; i++ {
			sb.WriteRune(' ')
		}
	}

	_, err := io.WriteString(w, sb.String())
	if err != nil {
		return err
	}

	if err = writeFloat32Array(w, f.Data, false); err != nil {
		return err
	}

	// pad the data block with zeros if necessary
	dataBytes := len(f.Data) * 4
	if rem := dataBytes % fitsBlockSize; rem > 0 {
		_, err = w.Write(make([]byte, fitsBlockSize-rem))
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Writes a single FITS header line, truncated and space padded to 80 bytes
func writeHeaderLine(w io.Writer, line string) {
	if len(line) > HeaderLineSize {
		line = line[:HeaderLineSize]
	}
	fmt.Fprintf(w, "%-80s", line)
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	v := "F"
	if value {
		v = "T"
	}
	writeKeyValue(w, key, v, comment)
}

// Writes a FITS header int32 value
func writeInt32(w io.Writer, key string, value int32, comment string) {
	writeKeyValue(w, key, fmt.Sprintf("%d", value), comment)
}

// Writes a FITS header float32 value
func writeFloat32(w io.Writer, key string, value float32, comment string) {
	s := fmt.Sprintf("%g", value)
	if !strings.ContainsAny(s, ".eE") {
		s += "." // ensure the parser reads it back as a float, not an int
	}
	writeKeyValue(w, key, s, comment)
}

func writeKeyValue(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	line := fmt.Sprintf("%-8s= %20s", key, value)
	if comment != "" {
		line += " / " + comment
	}
	writeHeaderLine(w, line)
}

// Writes a FITS header string value, with escaping and continuations if necessary
func writeString(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}

	// escape ' characters
	value = strings.Join(strings.Split(value, "'"), "''")

	if len(value) <= 18 {
		line := fmt.Sprintf("%-8s= '%s'", key, value)
		if comment != "" {
			line = fmt.Sprintf("%-30s / %s", line, comment)
		}
		writeHeaderLine(w, line)
		return
	}

	cut := safeCut(value, 17)
	writeHeaderLine(w, fmt.Sprintf("%-8s= '%s&'", key, value[:cut]))
	value = value[cut:]
	for len(value) > 66 {
		cut = safeCut(value, 66)
		writeHeaderLine(w, fmt.Sprintf("CONTINUE  '%s&'", value[:cut]))
		value = value[cut:]
	}
	writeHeaderLine(w, fmt.Sprintf("CONTINUE  '%s'", value))
}

// Returns a cut point at most n that does not split a doubled quote escape
func safeCut(s string, n int) int {
	if len(s) <= n {
		return len(s)
	}
	quotes := 0
	for i := n - 1; i >= 0 && s[i] == '\''; i-- {
		quotes++
	}
	if quotes%2 == 1 {
		n--
	}
	return n
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", 80-3))
}

// Writes FITS binary body data in network byte order.
// Optionally replaces NaNs with zeros for compatibility with other software
func writeFloat32Array(w io.Writer, data []float32, replaceNaNs bool) error {
	buf := make([]byte, bufLen)

	for block := 0; block < len(data); block += (bufLen >> 2) {
		size := len(data) - block
		if size > (bufLen >> 2) {
			size = (bufLen >> 2)
		}

		for offset := 0; offset < size; offset++ {
			d := data[block+offset]
			if replaceNaNs && math.IsNaN(float64(d)) {
				d = 0
			}
			val := math.Float32bits(d)
			buf[(offset<<2)+0] = byte(val >> 24)
			buf[(offset<<2)+1] = byte(val >> 16)
			buf[(offset<<2)+2] = byte(val >> 8)
			buf[(offset<<2)+3] = byte(val)
		}
		_, err := w.Write(buf[:(size << 2)])
		if err != nil {
			return err
		}
	}
	return nil
}
