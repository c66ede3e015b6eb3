// Package service wires the scanner registry, the executor, the result
// pipeline and the resource store into scans driven by model.Config.
//
// Data flow of a single scan:
//
//	Registry.Lookup(scanner)
//	      |
//	Executor.Submit(targets) --Job.Results()--> Pipeline.Run --Values()/Resources()--> Report
//	                                                 |
//	                                           ResourceStore
//
// Every configured scan gets its own Job and Pipeline, scans run
// concurrently and share the store. The Report is rendered as a CycloneDX
// BOM or as a terminal table once all scans are done.
package service
