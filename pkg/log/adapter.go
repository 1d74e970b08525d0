package log

import "github.com/sirupsen/logrus"

// BadgerLogrusAdapter routes badger's internal logging through a logrus entry.
// Badger reports routine compaction and value-log activity at Info; that is demoted to Debug
// so a crawl at info level only shows crawl progress.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

// NewBadgerLogrusAdapter creates a new adapter
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

// Errorf logs an error message
func (l *BadgerLogrusAdapter) Errorf(f string, v ...any) { l.Entry.Errorf(f, v...) }

// Warningf logs a warning message
func (l *BadgerLogrusAdapter) Warningf(f string, v ...any) { l.Entry.Warnf(f, v...) }

// Infof logs badger's informational messages at debug level
func (l *BadgerLogrusAdapter) Infof(f string, v ...any) { l.Entry.Debugf(f, v...) }

// Debugf logs a debug message at trace level
func (l *BadgerLogrusAdapter) Debugf(f string, v ...any) { l.Entry.Tracef(f, v...) }
