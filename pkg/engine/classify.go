package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	replicationPattern = regexp.MustCompile(`(?i)principal ?not ?found|does not exist in the directory`)
	notFoundPattern    = regexp.MustCompile(`(?i)\b404\b|not ?found`)
	quotaPattern       = regexp.MustCompile(`(?i)quota ?exceeded|quota[^.]*\bexceeded\b|\b409\b`)
	denialPattern      = regexp.MustCompile(`(?i)does not have (the )?(permission|authorization|access|.*\brole\b)`)
	userMarkerPattern  = regexp.MustCompile(`(?i)\buser\b|[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)
	authPattern        = regexp.MustCompile(`(?i)\b403\b|forbidden|authorization ?failed|authorizationpermissionmismatch`)
	networkPattern     = regexp.MustCompile(`(?i)\b5\d\d\b|\b429\b|\b412\b|timed? ?out|timeout|connection (reset|refused)|temporarily unavailable|service unavailable|internal server error|bad gateway|too many requests|conditionnotmet|\beof\b`)
)

// TextClassifier classifies errors by matching their text. It is a pure
// function of the error message: the same text always yields the same class.
//
// Rules are evaluated in order. Ambiguous text falls through to ClassUnknown.
type TextClassifier struct{}

// Classify implements Classifier.
func (TextClassifier) Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}
	return ClassifyText(err.Error())
}

// ClassifyText applies the text rules to a message.
func ClassifyText(msg string) FailureClass {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ClassUnknown
	}

	switch {
	case replicationPattern.MatchString(msg):
		// A new managed identity is not found until it replicates across
		// the directory, the same wait as a new role assignment.
		return ClassTransientAuth
	case notFoundPattern.MatchString(msg):
		return ClassResourceNotFound
	case quotaPattern.MatchString(msg):
		return ClassQuotaExceeded
	case denialPattern.MatchString(msg) && userMarkerPattern.MatchString(msg):
		// A human without the role will not gain it by waiting.
		return ClassPermissionDenied
	case authPattern.MatchString(msg), denialPattern.MatchString(msg):
		// Fresh role assignments for managed identities surface as 403s
		// until they propagate to the data plane.
		return ClassTransientAuth
	case networkPattern.MatchString(msg):
		return ClassTransientNetwork
	default:
		return ClassUnknown
	}
}

// ChainClassifier asks each classifier in turn and returns the first answer
// that is not ClassUnknown.
type ChainClassifier []Classifier

// Classify implements Classifier.
func (c ChainClassifier) Classify(err error) FailureClass {
	for _, cl := range c {
		if cl == nil {
			continue
		}
		if class := cl.Classify(err); class != ClassUnknown {
			return class
		}
	}
	return ClassUnknown
}

// DefaultClassifier returns the classifier used when none is configured.
// Deadline errors from a per-attempt timeout count as network failures.
func DefaultClassifier() Classifier {
	return ChainClassifier{
		ClassifierFunc(func(err error) FailureClass {
			if errors.Is(err, context.DeadlineExceeded) {
				return ClassTransientNetwork
			}
			return ClassUnknown
		}),
		TextClassifier{},
	}
}
