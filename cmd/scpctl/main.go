package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"example.com/scpgate/internal/api"
	"example.com/scpgate/internal/common"
	"example.com/scpgate/internal/manifest"
	"example.com/scpgate/internal/report"
	"example.com/scpgate/internal/scp"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "info":
		infoCmd(os.Args[2:])
	case "anonymize":
		anonymizeCmd(os.Args[2:])
	case "verify":
		verifyCmd(os.Args[2:])
	case "view":
		viewCmd(os.Args[2:])
	case "batch":
		batchCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "upload":
		uploadCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`scpctl %s (built %s) <command> [options]

Commands:
  info      --in <file.scp>
  anonymize --in <file.scp> [--out <file>] [--id <anonId>] [--keep-datetime] [--keep-freetext] [--audit <changes.jsonl>] [--report <report.json>]
  verify    --in <anonymized.scp> [--original <file.scp>] [--out <report.json>] [--pdf <report.pdf>] [--lang en|tr]
  view      --in <file.scp> [--pdf <strips.pdf>] [--title <text>]
  batch     --in <dir> --out-dir <dir> [--id-prefix ANON] [--start 1] [--workers N] [--manifest <mapping.json>] [--sign-key <key.pem>] [--audit <changes.jsonl>] [--progress] [--metrics]
  report    --in <report.json> [--pdf <report.pdf>] [--qr <hash.png>] [--lang en|tr]
  manifest  --in <mapping.json> [--verify-key <pub.pem>] [--lookup <anonId>]
  audit     --in <changes.jsonl> [--file <path>]
  upload    --in <anonymized.scp> --client-id <id> --client-secret <secret> [--patient-id <anonId>] [--wait] [--pdf <analysis.pdf>]
`, version, buildDate)
}

func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	in := fs.String("in", "", "input .scp")
	fs.Parse(args)
	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		common.Fatalf("read %s: %v", *in, err)
	}
	rec, err := scp.Parse(data)
	if err != nil {
		common.Fatalf("parse %s: %v", *in, err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "File:\t%s (%s)\n", *in, common.FormatBytes(int64(len(data))))
	fmt.Fprintf(w, "Patient ID:\t%s\n", emptyDash(rec.Patient.ID))
	fmt.Fprintf(w, "Name:\t%s\n", emptyDash(strings.TrimSpace(rec.Patient.FirstName+" "+rec.Patient.LastName)))
	fmt.Fprintf(w, "Birth date:\t%s\n", emptyDash(rec.Patient.BirthDate))
	fmt.Fprintf(w, "Acquired:\t%s %s\n", emptyDash(rec.Device.AcquisitionDate), rec.Device.AcquisitionTime)
	fmt.Fprintf(w, "Device:\t%d (type %d)\n", rec.Device.ID, rec.Device.Type)
	names := make([]string, 0, len(rec.Leads))
	for _, lead := range rec.Leads {
		names = append(names, lead.Name)
	}
	fmt.Fprintf(w, "Leads:\t%s\n", strings.Join(names, " "))
	fmt.Fprintf(w, "Samples:\t%d per lead at %d Hz (%.1f s)\n", rec.SampleCount(), rec.SamplingRateHz, rec.DurationSeconds())
	if rec.Degraded {
		fmt.Fprintf(w, "Waveform:\tplaceholder signal (original not recoverable)\n")
	}
	w.Flush()
}

func emptyDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func anonymizeCmd(args []string) {
	fs := flag.NewFlagSet("anonymize", flag.ExitOnError)
	in := fs.String("in", "", "input .scp")
	out := fs.String("out", "", "output path (default <input>_anonymized.scp)")
	anonID := fs.String("id", scp.DefaultAnonymousID, "replacement patient id")
	keepDatetime := fs.Bool("keep-datetime", false, "preserve acquisition date and time")
	keepFreetext := fs.Bool("keep-freetext", false, "preserve free text and medical history")
	auditPath := fs.String("audit", "", "append change entries to this JSONL file")
	reportPath := fs.String("report", "", "write verification report JSON")
	fs.Parse(args)
	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		common.Fatalf("read %s: %v", *in, err)
	}
	opts := scp.Options{Datetime: !*keepDatetime, Freetext: !*keepFreetext}
	anon, changes, err := scp.Anonymize(data, *anonID, opts)
	if err != nil {
		common.Fatalf("anonymize %s: %v", *in, err)
	}

	outPath := *out
	if outPath == "" {
		outPath = derivedOutputPath(*in, "", *anonID)
	}
	if err := common.WriteFileAtomic(outPath, anon, 0o644); err != nil {
		common.Fatalf("write %s: %v", outPath, err)
	}

	if *auditPath != "" {
		if err := appendAudit(common.NewAuditLog(*auditPath), *in, changes); err != nil {
			common.Fatalf("audit log: %v", err)
		}
	}

	verification := scp.Verify(anon, data)
	doc := report.New(*in, *anonID, changes, verification)
	doc.Output = outPath
	doc.Sha256 = common.Sha256OfBytes(anon)
	if *reportPath != "" {
		if err := report.SaveJSON(doc, *reportPath); err != nil {
			common.Fatalf("write report: %v", err)
		}
	}

	fmt.Println(doc.Summary())
	fmt.Printf("wrote %s\n", outPath)
	if !doc.Pass() {
		os.Exit(1)
	}
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	in := fs.String("in", "", "anonymized .scp")
	original := fs.String("original", "", "original .scp for signal comparison")
	out := fs.String("out", "", "write verification report JSON")
	pdfPath := fs.String("pdf", "", "write verification report PDF")
	lang := fs.String("lang", "en", "report language (en|tr)")
	fs.Parse(args)
	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		common.Fatalf("read %s: %v", *in, err)
	}
	var orig []byte
	if *original != "" {
		if orig, err = os.ReadFile(*original); err != nil {
			common.Fatalf("read %s: %v", *original, err)
		}
	}

	verification := scp.Verify(data, orig)
	doc := report.New(*in, "", nil, verification)
	doc.Sha256 = common.Sha256OfBytes(data)
	if *out != "" {
		if err := report.SaveJSON(doc, *out); err != nil {
			common.Fatalf("write report: %v", err)
		}
	}
	if *pdfPath != "" {
		language, err := report.ParseLanguage(*lang)
		if err != nil {
			common.Fatalf("language: %v", err)
		}
		if err := report.SavePDF(doc, report.NewTranslator(language), *pdfPath); err != nil {
			common.Fatalf("write pdf: %v", err)
		}
	}

	printFindings("issues", doc.Issues)
	printFindings("warnings", doc.Warnings)
	fmt.Println(doc.Summary())
	if !doc.Pass() {
		os.Exit(1)
	}
}

// viewCmd renders the recording's lead strips to a PDF.
func viewCmd(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	in := fs.String("in", "", "input .scp")
	pdfOut := fs.String("pdf", "", "output PDF (default <input>.pdf)")
	title := fs.String("title", "", "page title (default the file name)")
	fs.Parse(args)
	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		common.Fatalf("read %s: %v", *in, err)
	}
	rec, err := scp.Parse(data)
	if err != nil {
		common.Fatalf("parse %s: %v", *in, err)
	}
	out := *pdfOut
	if out == "" {
		out = strings.TrimSuffix(*in, filepath.Ext(*in)) + ".pdf"
	}
	pageTitle := *title
	if pageTitle == "" {
		pageTitle = filepath.Base(*in)
	}
	if err := report.SaveECGPDF(rec, pageTitle, out); err != nil {
		common.Fatalf("render %s: %v", out, err)
	}
	if rec.Degraded {
		common.Logf("%s: waveform not recoverable, rendered placeholder signal", *in)
	}
	fmt.Printf("wrote %s\n", out)
}

func printFindings(label string, findings []string) {
	if len(findings) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	for _, f := range findings {
		fmt.Printf("  - %s\n", f)
	}
}

func batchCmd(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	in := fs.String("in", "", "input directory")
	outDir := fs.String("out-dir", "", "output directory")
	idPrefix := fs.String("id-prefix", "ANON", "anonymous id prefix")
	start := fs.Int("start", 1, "first anonymous id number")
	workers := fs.Int("workers", runtime.NumCPU(), "concurrent workers")
	manifestPath := fs.String("manifest", "", "write an id mapping manifest (keep out of the output tree)")
	signKey := fs.String("sign-key", "", "RSA private key PEM for signing the manifest")
	auditPath := fs.String("audit", "", "append change entries to this JSONL file")
	keepDatetime := fs.Bool("keep-datetime", false, "preserve acquisition date and time")
	keepFreetext := fs.Bool("keep-freetext", false, "preserve free text and medical history")
	progressFlag := fs.Bool("progress", false, "display progress updates")
	metricsFlag := fs.Bool("metrics", false, "print throughput metrics")
	fs.Parse(args)
	if *in == "" || *outDir == "" {
		fmt.Println("required: --in and --out-dir")
		os.Exit(1)
	}

	inputs, totalBytes, err := collectInputs(*in)
	if err != nil {
		common.Fatalf("scan %s: %v", *in, err)
	}
	if len(inputs) == 0 {
		common.Fatalf("no .scp files under %s", *in)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		common.Fatalf("create %s: %v", *outDir, err)
	}

	metrics := common.NewMetrics()
	metrics.SetTotalBytes(totalBytes)
	metrics.Start()
	var stopProgress func()
	if *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, time.Second)
	}

	var audit *common.AuditLog
	if *auditPath != "" {
		audit = common.NewAuditLog(*auditPath)
	}
	opts := scp.Options{Datetime: !*keepDatetime, Freetext: !*keepFreetext}

	type job struct {
		path   string
		anonID string
	}
	type outcome struct {
		input  string
		output string
		anonID string
		pass   bool
		err    error
	}

	jobs := make(chan job)
	results := make(chan outcome)
	n := *workers
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				out := processOne(j.path, *outDir, j.anonID, opts, audit, metrics)
				results <- outcome{input: j.path, output: out.output, anonID: j.anonID, pass: out.pass, err: out.err}
			}
		}()
	}
	go func() {
		for i, path := range inputs {
			jobs <- job{path: path, anonID: fmt.Sprintf("%s%06d", *idPrefix, *start+i)}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	mapping := manifest.New()
	failed := 0
	for res := range results {
		if res.err != nil {
			failed++
			common.Logf("%s: %v", res.input, res.err)
			continue
		}
		if !res.pass {
			failed++
		}
		if *manifestPath != "" {
			if err := mapping.AddPair(res.input, res.output, res.anonID, res.pass); err != nil {
				common.Logf("manifest %s: %v", res.input, err)
			}
		}
	}
	metrics.Stop()
	if stopProgress != nil {
		stopProgress()
	}

	if *manifestPath != "" {
		sort.Slice(mapping.Items, func(i, j int) bool { return mapping.Items[i].Original < mapping.Items[j].Original })
		if *signKey != "" {
			keyPEM, err := os.ReadFile(*signKey)
			if err != nil {
				common.Fatalf("read signing key: %v", err)
			}
			if err := mapping.Sign(keyPEM); err != nil {
				common.Fatalf("sign manifest: %v", err)
			}
		}
		if err := manifest.Save(mapping, *manifestPath); err != nil {
			common.Fatalf("write manifest: %v", err)
		}
	}
	if *metricsFlag {
		snap := metrics.Snapshot()
		fmt.Printf("processed %d files (%s) in %s, %.2f MiB/s, %d degraded, %d failed\n",
			snap.Files, common.FormatBytes(snap.Bytes), snap.Duration.Round(time.Millisecond),
			snap.ThroughputBytesPerSecond()/(1024*1024), snap.Degraded, snap.Failed)
	}
	fmt.Printf("%d files, %d failed\n", len(inputs), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type fileOutcome struct {
	output string
	pass   bool
	err    error
}

// processOne anonymizes a single recording and verifies the result against
// the original bytes.
func processOne(path, outDir, anonID string, opts scp.Options, audit *common.AuditLog, metrics *common.Metrics) fileOutcome {
	data, err := os.ReadFile(path)
	if err != nil {
		metrics.IncFailed()
		return fileOutcome{err: err}
	}
	rec, err := scp.Parse(data)
	if err != nil {
		metrics.IncFailed()
		return fileOutcome{err: err}
	}
	if rec.Degraded {
		metrics.IncDegraded()
	}
	anon, changes, err := scp.Anonymize(data, anonID, opts)
	if err != nil {
		metrics.IncFailed()
		return fileOutcome{err: err}
	}
	outPath := filepath.Join(outDir, filepath.Base(derivedOutputPath(path, rec.Patient.ID, anonID)))
	if err := common.WriteFileAtomic(outPath, anon, 0o644); err != nil {
		metrics.IncFailed()
		return fileOutcome{err: err}
	}
	if audit != nil {
		if err := appendAudit(audit, path, changes); err != nil {
			metrics.IncFailed()
			return fileOutcome{err: err}
		}
	}
	verification := scp.Verify(anon, data)
	if !verification.OK() {
		common.Logf("%s: verification issues: %v", path, verification.Issues)
	}
	metrics.AddFile(int64(len(data)))
	return fileOutcome{output: outPath, pass: verification.OK()}
}

// derivedOutputPath names the anonymized file. When the original filename
// embeds the real patient id, the id is replaced; otherwise the anonymous id
// is appended to the stem.
func derivedOutputPath(in, realID, anonID string) string {
	dir := filepath.Dir(in)
	base := filepath.Base(in)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if realID != "" && strings.Contains(stem, realID) {
		stem = strings.ReplaceAll(stem, realID, anonID)
	} else {
		stem = stem + "_" + anonID
	}
	return filepath.Join(dir, stem+ext)
}

func appendAudit(log *common.AuditLog, file string, changes []scp.Change) error {
	for _, c := range changes {
		entry := common.ChangeEntry{
			File:      file,
			Field:     c.Field,
			Tag:       c.Tag,
			Offset:    int64(c.Offset),
			BeforeHex: hex.EncodeToString(c.Before),
			AfterHex:  hex.EncodeToString(c.After),
		}
		if err := log.Append(entry); err != nil {
			return err
		}
	}
	return nil
}

func collectInputs(root string) ([]string, int64, error) {
	var inputs []string
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".scp") {
			inputs = append(inputs, path)
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(inputs)
	return inputs, total, nil
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	in := fs.String("in", "", "report JSON produced by anonymize or verify")
	pdfOut := fs.String("pdf", "", "render a PDF report")
	qrOut := fs.String("qr", "", "render a QR code PNG of the file hash")
	lang := fs.String("lang", "en", "report language")
	fs.Parse(args)
	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	doc, err := report.LoadJSON(*in)
	if err != nil {
		common.Fatalf("load %s: %v", *in, err)
	}
	language, err := report.ParseLanguage(*lang)
	if err != nil {
		common.Fatalf("%v", err)
	}
	if *pdfOut != "" {
		if err := report.SavePDF(doc, report.NewTranslator(language), *pdfOut); err != nil {
			common.Fatalf("write pdf: %v", err)
		}
		fmt.Printf("wrote %s\n", *pdfOut)
	}
	if *qrOut != "" {
		png, err := report.FileHashToQR(doc.Sha256, 256)
		if err != nil {
			common.Fatalf("render qr: %v", err)
		}
		if err := common.WriteFileAtomic(*qrOut, png, 0o644); err != nil {
			common.Fatalf("write qr: %v", err)
		}
		fmt.Printf("wrote %s\n", *qrOut)
	}
	fmt.Println(doc.Summary())
}

// manifestCmd inspects a mapping manifest written by batch: checks its
// signature when a key is given, resolves anonymous ids, and lists entries.
func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	in := fs.String("in", "", "mapping manifest JSON")
	verifyKey := fs.String("verify-key", "", "RSA public key PEM to check the manifest signature")
	lookup := fs.String("lookup", "", "print the entry for this anonymous id")
	fs.Parse(args)
	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	mapping, err := manifest.Load(*in)
	if err != nil {
		common.Fatalf("load %s: %v", *in, err)
	}
	if *verifyKey != "" {
		keyPEM, err := os.ReadFile(*verifyKey)
		if err != nil {
			common.Fatalf("read verify key: %v", err)
		}
		if err := mapping.VerifySignature(keyPEM); err != nil {
			common.Fatalf("%s: %v", *in, err)
		}
		fmt.Println("signature OK")
	}
	if *lookup != "" {
		item, ok := mapping.Lookup(*lookup)
		if !ok {
			common.Fatalf("%s: no entry for %s", *in, *lookup)
		}
		fmt.Printf("%s -> %s (%s, verified=%t)\n", item.Original, item.Anonymized, item.AnonymousID, item.Verified)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "created %s, %d entries\n", mapping.CreatedAt.Format(time.RFC3339), len(mapping.Items))
	for _, item := range mapping.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\tverified=%t\n", item.AnonymousID, item.Original, item.Anonymized, item.Verified)
	}
	w.Flush()
}

// auditCmd prints the redaction audit trail, optionally filtered to one file.
func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	in := fs.String("in", "", "JSONL audit log")
	file := fs.String("file", "", "only entries for this input file")
	fs.Parse(args)
	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	entries, err := common.ReadAuditLog(*in)
	if err != nil {
		common.Fatalf("read %s: %v", *in, err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	shown := 0
	for _, e := range entries {
		if *file != "" && e.File != *file {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\ttag %d\t@%d\t%s -> %s\n",
			e.File, e.Field, e.Tag, e.Offset, emptyDash(e.BeforeHex), emptyDash(e.AfterHex))
		shown++
	}
	w.Flush()
	fmt.Printf("%d entries\n", shown)
}

func uploadCmd(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	in := fs.String("in", "", "anonymized .scp to upload")
	clientID := fs.String("client-id", "", "analysis service client id")
	clientSecret := fs.String("client-secret", "", "analysis service client secret")
	patientID := fs.String("patient-id", "", "anonymous patient id forwarded to the service")
	baseURL := fs.String("base-url", "", "analysis service base URL")
	uploadURL := fs.String("upload-url", "", "analysis service upload URL")
	wait := fs.Bool("wait", false, "wait for the analysis to complete")
	pdfOut := fs.String("pdf", "", "download the analysis PDF (implies --wait)")
	timeout := fs.Duration("timeout", 5*time.Minute, "maximum time to wait for the analysis")
	poll := fs.Duration("poll", 5*time.Second, "poll interval while waiting")
	fs.Parse(args)
	if *in == "" || *clientID == "" || *clientSecret == "" {
		fmt.Println("required: --in, --client-id and --client-secret")
		os.Exit(1)
	}

	// Refuse to upload a file that still fails verification.
	data, err := os.ReadFile(*in)
	if err != nil {
		common.Fatalf("read %s: %v", *in, err)
	}
	if verification := scp.Verify(data, nil); !verification.OK() {
		common.Fatalf("%s fails verification, not uploading: %v", *in, verification.Issues)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := api.NewClient(*baseURL, *uploadURL)
	if err := client.Authenticate(ctx, *clientID, *clientSecret); err != nil {
		common.Fatalf("%v", err)
	}
	result, err := client.UploadECG(ctx, *in, *patientID)
	if err != nil {
		common.Fatalf("%v", err)
	}
	fmt.Printf("analysis id: %s\n", result.AnalysisID)

	if !*wait && *pdfOut == "" {
		return
	}
	analysis, err := client.WaitForAnalysis(ctx, result.AnalysisID, *poll)
	if err != nil {
		common.Fatalf("%v", err)
	}
	fmt.Printf("analysis status: %s\n", analysis.Status)
	if analysis.Failed() {
		os.Exit(1)
	}
	if *pdfOut != "" {
		if err := client.DownloadPDF(ctx, result.AnalysisID, *pdfOut); err != nil {
			common.Fatalf("download pdf: %v", err)
		}
		fmt.Printf("wrote %s\n", *pdfOut)
	}
}
