package flash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miassistant/internal/config"
	"miassistant/internal/mi"
	"miassistant/internal/validate"
)

func strp(s string) *string { return &s }

func TestApplyOverridesReplacesOnlySetFields(t *testing.T) {
	info := mi.Info{Device: "garnet_global", Version: "OS2.0", SN: "SN1", Codebase: "garnet", Branch: "F", RomZone: "0"}
	out := ApplyOverrides(info, Overrides{Device: strp("garnet_in_global"), RomZone: strp("2")})

	assert.Equal(t, "garnet_in_global", out.Device)
	assert.Equal(t, "2", out.RomZone)
	assert.Equal(t, info.Version, out.Version)
	assert.Equal(t, info.SN, out.SN)
}

func TestMD5FileMatchesKnownDigest(t *testing.T) {
	f := t.TempDir() + "/x.bin"
	require.NoError(t, os.WriteFile(f, []byte("hello world"), 0o644))

	got, err := MD5File(f)
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", got)
}

func TestResolveMD5PrefersCLIOverride(t *testing.T) {
	f := t.TempDir() + "/x.bin"
	require.NoError(t, os.WriteFile(f, []byte("content"), 0o644))

	got, err := ResolveMD5(f, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", config.State{})
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", got)
}

func TestResolveMD5FallsBackToPersistedOverride(t *testing.T) {
	f := t.TempDir() + "/x.bin"
	require.NoError(t, os.WriteFile(f, []byte("content"), 0o644))

	persisted := "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	got, err := ResolveMD5(f, "", config.State{OverrideMD5: &persisted})
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", got)
}

func TestResolveMD5FallsBackToComputedHash(t *testing.T) {
	f := t.TempDir() + "/x.bin"
	require.NoError(t, os.WriteFile(f, []byte("hello world"), 0o644))

	got, err := ResolveMD5(f, "", config.State{})
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", got)
}

func TestResolveMD5RejectsMalformedOverride(t *testing.T) {
	_, err := ResolveMD5("unused", "not-hex", config.State{})
	assert.ErrorIs(t, err, ErrInvalidMD5)
}

func TestListAllowedRomsParsesServerResponse(t *testing.T) {
	plain := `{"PkgRom":{"Validate":["rom-a","rom-b"],"Erase":0}}`
	enc, err := validate.EncodeRequestBase64(plain)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, enc)
	}))
	defer srv.Close()

	res, err := ListAllowedRoms(srv.URL, mi.Info{Device: "garnet_global"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rom-a", "rom-b"}, res.PkgRomValidate)
}

func TestFlashReturnsMissingTokenWhenServerOmitsOne(t *testing.T) {
	plain := `{"Code":{"message":"not eligible"}}`
	enc, err := validate.EncodeRequestBase64(plain)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, enc)
	}))
	defer srv.Close()

	c := &Client{}
	_, err = c.Flash(FlashOptions{
		Path:      t.TempDir() + "/missing.zip",
		ChunkSize: 65536,
		ServerURL: srv.URL,
		Info:      mi.Info{Device: "garnet_global"},
		MD5:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	})
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestDownloadLatestFetchesAndVerifies(t *testing.T) {
	content := []byte("rom bytes go here")
	sum := md5.Sum(content)

	dlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer dlSrv.Close()

	plain := fmt.Sprintf(`{"Code":{"message":"ok"},"LatestRom":{"filename":"rom.zip","md5":"%s"},"MirrorList":["%s"]}`, hex.EncodeToString(sum[:]), dlSrv.URL)
	enc, err := validate.EncodeRequestBase64(plain)
	require.NoError(t, err)

	valSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, enc)
	}))
	defer valSrv.Close()

	path, err := DownloadLatest(valSrv.URL, mi.Info{Device: "garnet_global"}, t.TempDir(), nil)
	require.NoError(t, err)
	assert.FileExists(t, path)
}
