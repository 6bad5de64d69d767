package packagekit

import (
	"bytes"
	"context"
	"crypto/md5"
	_ "embed"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"text/template"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"github.com/relbuild/pyrelease/pkg/packagekit/wix"
	"go.opencensus.io/trace"
)

//go:embed assets/installer.wxs
var installerWxs string

// PackageWixMSI builds an msi from po.Root and copies it into w.
// Additional wix options (eg: a runner) are passed
// through to the wix tool.
func PackageWixMSI(ctx context.Context, w io.Writer, po *PackageOptions, wixOpts ...wix.WixOpt) error {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageWixMSI")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	if err := checkRoot(po.Root); err != nil {
		return err
	}

	installWXS, err := RenderInstaller(po)
	if err != nil {
		return err
	}

	switch po.Arch {
	case "386":
		wixOpts = append(wixOpts, wix.As32bit())
	case "amd64", "":
		wixOpts = append(wixOpts, wix.As64bit())
	default:
		return errors.Errorf("unsupported msi arch %s", po.Arch)
	}

	if po.WixPath != "" {
		wixOpts = append(wixOpts, wix.WithWix(po.WixPath))
	}

	if po.WixDocker != "" {
		wixOpts = append(wixOpts, wix.WithDocker(po.WixDocker))
	}

	if po.ExecutableName != "" {
		wixOpts = append(wixOpts, wix.WithRequiredFile(po.ExecutableName))
		if po.AddToPath {
			wixOpts = append(wixOpts, wix.WithPathEntry(wix.NewPathEntry(po.ExecutableName)))
		}
	}

	wixTool, err := wix.New(po.Root, installWXS, wixOpts...)
	if err != nil {
		return errors.Wrap(err, "making wixTool")
	}

	if !po.WixSkipCleanup {
		defer wixTool.Cleanup()
	}

	msiPath, err := wixTool.Package(ctx)
	if err != nil {
		return errors.Wrap(err, "wix packaging")
	}

	level.Debug(logger).Log("msg", "built msi", "path", msiPath)

	msiFH, err := os.Open(msiPath)
	if err != nil {
		return errors.Wrap(err, "opening msi output file")
	}
	defer msiFH.Close()

	if _, err := io.Copy(w, msiFH); err != nil {
		return errors.Wrap(err, "copying output")
	}

	return nil
}

// RenderInstaller renders the main installer wxs for po.
func RenderInstaller(po *PackageOptions) ([]byte, error) {
	if po.Name == "" || po.Identifier == "" {
		return nil, errors.New("package name and identifier are required")
	}

	if po.Version == "" {
		return nil, errors.New("package version is required")
	}

	// Upgrade codes stay stable across versions of the same product,
	// product and package codes change with each version and arch.
	arch := po.Arch
	if arch == "" {
		arch = "amd64"
	}

	extraGuidIdentifiers := []string{
		po.Version,
		arch,
	}

	programFiles := "ProgramFiles64Folder"
	if arch == "386" {
		programFiles = "ProgramFilesFolder"
	}

	var templateData = struct {
		Opts            *PackageOptions
		UpgradeCode     string
		ProductCode     string
		PackageCode     string
		ProgramFilesDir string
	}{
		Opts:            po,
		UpgradeCode:     generateMicrosoftProductCode(po.Name + po.Identifier),
		ProductCode:     generateMicrosoftProductCode(po.Name+po.Identifier, extraGuidIdentifiers...),
		PackageCode:     generateMicrosoftProductCode(po.Name+po.Identifier+"package", extraGuidIdentifiers...),
		ProgramFilesDir: programFiles,
	}

	funcMap := template.FuncMap{
		"xml": xmlEscape,
	}

	wixTemplate, err := template.New("WixTemplate").Funcs(funcMap).Parse(installerWxs)
	if err != nil {
		return nil, errors.Wrap(err, "not able to parse installer.wxs template")
	}

	installWXS := new(bytes.Buffer)
	if err := wixTemplate.ExecuteTemplate(installWXS, "WixTemplate", templateData); err != nil {
		return nil, errors.Wrap(err, "executing WixTemplate")
	}

	return installWXS.Bytes(), nil
}

func xmlEscape(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// generateMicrosoftProductCode is a stable guid that is used to
// identify the product / sub product / package / version, and
// whatnot. We need to either store them, or generate them in a
// predictable fasion based on a set of inputs. See
// https://docs.microsoft.com/en-us/windows/desktop/Msi/productcode
func generateMicrosoftProductCode(ident1 string, identN ...string) string {
	h := md5.New()
	io.WriteString(h, ident1)
	for _, s := range identN {
		io.WriteString(h, s)
	}

	hash := h.Sum(nil)

	return fmt.Sprintf("%X-%X-%X-%X-%X", hash[0:4], hash[4:6], hash[6:8], hash[8:10], hash[10:16])
}
