package validator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

func touch(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		p := filepath.Join(root, r)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
}

func TestParseEntities(t *testing.T) {
	ent, ok := ParseEntities("sub-01_ses-1_task-rest_space-MNI152NLin6Asym_desc-preproc_bold.nii.gz")
	require.True(t, ok)
	assert.Equal(t, "01", ent.Get("sub"))
	assert.Equal(t, "1", ent.Get("ses"))
	assert.Equal(t, "rest", ent.Get("task"))
	assert.Equal(t, "MNI152NLin6Asym", ent.Get("space"))
	assert.Equal(t, "bold", ent.Suffix)

	ent, ok = ParseEntities("/abs/path/sub-02_task-faces_desc-confounds_timeseries.tsv")
	require.True(t, ok)
	assert.Equal(t, "", ent.Get("space"))

	for _, bad := range []string{"dataset_description.json", "README", "sub-01", "sub-01_notakey_bold.nii", "sub-01_task-_bold.nii"} {
		_, ok := ParseEntities(bad)
		assert.False(t, ok, bad)
	}
}

// Only subject 01 has files in the requested space.
func TestValidateSpaceScenario(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"sub-01/func/sub-01_task-rest_space-MNI152NLin6Asym_desc-preproc_bold.nii.gz",
		"sub-01/func/sub-01_task-rest_space-T1w_desc-preproc_bold.nii.gz",
		"sub-02/func/sub-02_task-rest_space-T1w_desc-preproc_bold.nii.gz",
	)

	report, err := Validate("MNI152NLin6Asym", "rest", []string{"01", "02"}, root)
	require.NoError(t, err)

	assert.Equal(t, []string{"02"}, report.SubjectsMissing)
	assert.Equal(t, []string{"01"}, report.SubjectsAvailable)
	assert.Equal(t, []string{"MNI152NLin6Asym", "T1w"}, report.SpacesFound)
	assert.False(t, report.Passed())
	assert.True(t, report.IsMissing("02"))
	assert.Equal(t, types.ReasonSpaceNotFound, report.MissingReason("02"))
	assert.Equal(t, []string{"T1w"}, report.Details["02"].Spaces)
}

func TestValidateReasons(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"sub-01/ses-1/func/sub-01_ses-1_task-rest_space-MNI152NLin6Asym_bold.nii.gz",
		"sub-02/func/sub-02_task-faces_space-MNI152NLin6Asym_bold.nii.gz",
	)

	report, err := Validate("MNI152NLin6Asym", "rest", []string{"01", "02", "03"}, root)
	require.NoError(t, err)

	assert.Equal(t, []string{"01"}, report.SubjectsAvailable)
	assert.Equal(t, []string{"02", "03"}, report.SubjectsMissing)
	assert.Equal(t, types.ReasonNoTaskFiles, report.MissingReason("02"))
	assert.Equal(t, types.ReasonSubjectNotFound, report.MissingReason("03"))
}

func TestValidateAllMissingStillReturnsReport(t *testing.T) {
	root := t.TempDir()

	report, err := Validate("T1w", "rest", []string{"01", "02"}, root)
	require.NoError(t, err)
	assert.Empty(t, report.SubjectsAvailable)
	assert.NotNil(t, report.SubjectsAvailable)
	assert.Equal(t, []string{"01", "02"}, report.SubjectsMissing)
}

func TestValidateStructuralErrors(t *testing.T) {
	_, err := Validate("T1w", "rest", []string{"01"}, filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, types.ErrValidation)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = Validate("T1w", "rest", []string{"01"}, file)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestValidateAllOneReportPerTask(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"sub-01/func/sub-01_task-rest_space-T1w_bold.nii.gz",
		"sub-01/func/sub-01_task-faces_space-T1w_bold.nii.gz",
	)

	reports, err := New(root, nil).ValidateAll("T1w", []string{"rest", "faces", "nback"}, []string{"01"})
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "rest", reports[0].Task)
	assert.True(t, reports[0].Passed())
	assert.True(t, reports[1].Passed())
	assert.Equal(t, "nback", reports[2].Task)
	assert.Equal(t, []string{"01"}, reports[2].SubjectsMissing)
}

const goodModel = `{
  "Name": "default",
  "BIDSModelVersion": "1.0.0",
  "Input": {"task": ["rest"]},
  "Nodes": [{
    "Level": "Run",
    "Name": "run",
    "GroupBy": ["run", "subject"],
    "Transformations": {"Transformer": "bidspm", "Instructions": [{"Name": "Factor", "Input": ["trial_type"]}]},
    "Model": {"Type": "glm", "X": ["trial_type.go", 1]}
  }]
}`

func TestCheckModel(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	assert.NoError(t, CheckModel(write("good.json", goodModel)))

	cases := map[string]string{
		"notjson.json":  `{"Name":`,
		"array.json":    `[1, 2]`,
		"noname.json":   `{"BIDSModelVersion": "1.0.0", "Nodes": [{"Level": "Run", "Name": "r", "Model": {"X": [1]}}]}`,
		"nonodes.json":  `{"Name": "m", "BIDSModelVersion": "1.0.0", "Nodes": []}`,
		"badlevel.json": `{"Name": "m", "BIDSModelVersion": "1.0.0", "Nodes": [{"Level": "Group", "Name": "r", "Model": {"X": [1]}}]}`,
		"nomodel.json":  `{"Name": "m", "BIDSModelVersion": "1.0.0", "Nodes": [{"Level": "Run", "Name": "r"}]}`,
	}
	for name, body := range cases {
		err := CheckModel(write(name, body))
		assert.ErrorIs(t, err, types.ErrConfig, name)
	}

	assert.ErrorIs(t, CheckModel(filepath.Join(dir, "absent.json")), types.ErrConfig)
}
