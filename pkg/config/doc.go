// Package config loads declaration documents and keel's own settings.
//
// # Documents
//
// A declaration document lists resources in convergence order, together with
// shared variables and node attributes. Documents are written in YAML or CUE:
//
//	variables:
//	  ruby_version: 2.3.1
//	attributes:
//	  ruby:
//	    version: 2.3.1
//	resources:
//	  - type: package
//	    name: httpd
//	    action: install
//	    notifies:
//	      - resource: service[httpd]
//	        action: restart
//	        timing: delayed
//	  - type: service
//	    name: httpd
//	    action: start
//	    attributes:
//	      enabled: true
//
// CUE documents are checked against the built-in #Document schema before
// decoding. YAML documents are decoded strictly; unknown keys are errors.
//
// # Interpolation
//
// Every string in a resource (name, action, attributes, guard fields and
// notification references) may use Go template expressions with the sprig
// function library. The template data is:
//
//	.variables   merged variables
//	.attributes  merged node attributes
//	.host        host facts (hostname, os, kernel, arch, cpu, memory)
//
// Missing keys are errors. The content attribute of template resources is
// left for the template provider to render.
//
// # Errors
//
// Loader.Load reports every problem it finds at once, each with file, line
// and document path where known. The returned error is a structural
// engine error wrapping a *LoadError, so callers exit with code 2.
//
// # Settings
//
// Settings configure keel itself (logging, metrics, tracing, run journal,
// policy and run defaults) and are read from a YAML file with KEEL_*
// environment overrides.
package config
