// Copyright (C) 2020 Markus L. Noga
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

// Package fgcmlog is the campaign's singleton log writer: everything goes
// to stdout and, once LogAlsoToFile is called, to a buffered campaign log
// file as well. No prefixes, no forced newlines; LogSync flushes the
// buffered file on demand.
package fgcmlog

import (
	"bufio"
	"fmt"
	"os"
)

var (
	fileWriter *bufio.Writer
	fileOS     *os.File
)

// LogAlsoToFile starts duplicating all log output into fileName,
// truncating it. Calling it again closes the previous file first.
func LogAlsoToFile(fileName string) error {
	if fileWriter != nil {
		if err := fileWriter.Flush(); err != nil {
			return err
		}
		if err := fileOS.Close(); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	fileOS = f
	fileWriter = bufio.NewWriter(fileOS)
	return nil
}

func LogPrint(args ...interface{}) (n int, err error) {
	n, err = fmt.Print(args...)
	if err != nil || fileWriter == nil {
		return n, err
	}
	return fmt.Fprint(fileWriter, args...)
}

func LogPrintln(args ...interface{}) (n int, err error) {
	n, err = fmt.Println(args...)
	if err != nil || fileWriter == nil {
		return n, err
	}
	return fmt.Fprintln(fileWriter, args...)
}

func LogPrintf(format string, args ...interface{}) (n int, err error) {
	n, err = fmt.Printf(format, args...)
	if err != nil || fileWriter == nil {
		return n, err
	}
	return fmt.Fprintf(fileWriter, format, args...)
}

// LogFatal prints, flushes and closes the campaign log, then exits 1.
func LogFatal(args ...interface{}) {
	fmt.Println(args...)
	if fileWriter != nil {
		fmt.Fprintln(fileWriter, args...)
		fileWriter.Flush()
		fileOS.Close()
	}
	os.Exit(1)
}

func LogFatalf(format string, args ...interface{}) {
	fmt.Printf(format, args...)
	if fileWriter != nil {
		fmt.Fprintf(fileWriter, format, args...)
		fileWriter.Flush()
		fileOS.Close()
	}
	os.Exit(1)
}

// LogSync flushes the buffered campaign log through to disk. Safe to call
// when no log file is configured.
func LogSync() {
	if fileWriter == nil {
		return
	}
	fileWriter.Flush()
	fileOS.Sync()
}
